package metrics

import (
	"context"
	"time"

	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// DisabledPoller is used when the cluster does not serve metrics.k8s.io.
// It publishes a single partial snapshot so subscribers learn why no usage arrives.
type DisabledPoller struct {
	recorder  *telemetry.Recorder
	publisher Publisher
	reason    string
	now       func() time.Time
}

// NewDisabledPoller returns a provider that never collects metrics.
func NewDisabledPoller(recorder *telemetry.Recorder, publisher Publisher, reason string) *DisabledPoller {
	if reason == "" {
		reason = "metrics polling disabled"
	}
	return &DisabledPoller{recorder: recorder, publisher: publisher, reason: reason, now: time.Now}
}

// Start publishes the disabled snapshot and waits for ctx.
func (p *DisabledPoller) Start(ctx context.Context) error {
	if p.recorder != nil {
		p.recorder.RecordMetricsActive(false)
	}
	if p.publisher != nil {
		p.publisher.PublishMetrics(p.snapshot())
	}
	<-ctx.Done()
	return nil
}

func (p *DisabledPoller) snapshot() Snapshot {
	return Snapshot{
		Timestamp: p.now(),
		Nodes:     []NodeMetric{},
		Pods:      []PodMetric{},
		Partial:   true,
		Error:     p.reason,
	}
}

// LatestNodeUsage returns an empty usage map.
func (p *DisabledPoller) LatestNodeUsage() map[string]NodeUsage {
	return map[string]NodeUsage{}
}

// LatestPodUsage returns an empty pod usage map.
func (p *DisabledPoller) LatestPodUsage() map[string]PodUsage {
	return map[string]PodUsage{}
}

// Latest reports the disabled snapshot.
func (p *DisabledPoller) Latest() (Snapshot, bool) {
	return p.snapshot(), true
}

// History is always empty.
func (p *DisabledPoller) History(int) []Snapshot {
	return []Snapshot{}
}

// Metadata returns a minimal metadata payload indicating metrics are disabled.
func (p *DisabledPoller) Metadata() Metadata {
	return Metadata{LastError: p.reason}
}
