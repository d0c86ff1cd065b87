package snapshot

import (
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// EventSummary is one Kubernetes event attached to an object.
type EventSummary struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Count     int32     `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Source    string    `json:"source"`
	Object    string    `json:"object"`
}

// BuildEventSummaries normalizes events and orders them newest first.
func BuildEventSummaries(events []corev1.Event) []EventSummary {
	result := make([]EventSummary, 0, len(events))
	for i := range events {
		evt := &events[i]
		first := evt.FirstTimestamp.Time
		if first.IsZero() {
			first = evt.CreationTimestamp.Time
		}
		source := evt.Source.Component
		if source == "" {
			source = evt.ReportingController
		}
		count := evt.Count
		if count == 0 && evt.Series != nil {
			count = evt.Series.Count
		}
		result = append(result, EventSummary{
			Type:      evt.Type,
			Reason:    evt.Reason,
			Message:   evt.Message,
			Count:     count,
			FirstSeen: first,
			LastSeen:  latestEventTimestamp(evt),
			Source:    source,
			Object:    fmt.Sprintf("%s/%s", evt.InvolvedObject.Kind, evt.InvolvedObject.Name),
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	return result
}

// latestEventTimestamp picks the freshest timestamp an event carries.
// Events written through events.k8s.io only set EventTime or Series.
func latestEventTimestamp(evt *corev1.Event) time.Time {
	switch {
	case !evt.EventTime.IsZero():
		return evt.EventTime.Time
	case !evt.LastTimestamp.IsZero():
		return evt.LastTimestamp.Time
	case evt.Series != nil && !evt.Series.LastObservedTime.IsZero():
		return evt.Series.LastObservedTime.Time
	case !evt.CreationTimestamp.IsZero():
		return evt.CreationTimestamp.Time
	}
	return evt.FirstTimestamp.Time
}
