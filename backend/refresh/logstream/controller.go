package logstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// Options configure a Controller.
type Options struct {
	Logger            Logger
	Telemetry         *telemetry.Recorder
	MaxChunks         int
	ConsolidateChunks int
	BatchWindow       time.Duration
	BatchMaxLines     int
}

// Controller owns one log view. Fetch and Follow are mutually exclusive: starting
// either cancels whatever the controller was doing before.
type Controller struct {
	streamer    *Streamer
	logger      Logger
	telemetry   *telemetry.Recorder
	buffer      *ChunkBuffer
	batchWindow time.Duration
	batchMax    int

	mu         sync.Mutex
	mode       Mode
	generation uint64
	cancel     context.CancelFunc
}

// NewController builds a controller reading through client.
func NewController(client kubernetes.Interface, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = config.LogStreamBatchWindow
	}
	if opts.BatchMaxLines <= 0 {
		opts.BatchMaxLines = config.LogStreamBatchMaxLines
	}
	return &Controller{
		streamer:    NewStreamer(client, opts.Logger, opts.Telemetry),
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
		buffer:      NewChunkBuffer(opts.MaxChunks, opts.ConsolidateChunks),
		batchWindow: opts.BatchWindow,
		batchMax:    opts.BatchMaxLines,
		mode:        ModeIdle,
	}
}

// begin cancels the previous operation and claims the controller for mode.
func (c *Controller) begin(parent context.Context, mode Mode) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	c.mode = mode
	c.cancel = cancel
	c.buffer.Reset()
	return ctx, c.generation
}

// end releases the controller if generation still owns it.
func (c *Controller) end(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mode = ModeIdle
}

// current reports whether generation is still the active operation.
func (c *Controller) current(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == generation
}

// Mode reports the active operating mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Stop cancels any fetch or follow in progress.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
	c.mode = ModeIdle
}

// Buffer exposes the chunk buffer holding the current view.
func (c *Controller) Buffer() *ChunkBuffer {
	return c.buffer
}

// Fetch reads the log once. A Follow or Fetch started meanwhile cancels it and the
// call returns context.Canceled.
func (c *Controller) Fetch(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	opCtx, generation := c.begin(ctx, ModeFetch)
	defer c.end(generation)

	target, err := c.streamer.resolve(opCtx, req)
	if err != nil {
		return "", c.superseded(opCtx, err)
	}
	content, err := c.streamer.fetch(opCtx, target, req)
	if err != nil {
		return "", c.superseded(opCtx, err)
	}
	if !c.current(generation) {
		return "", context.Canceled
	}
	c.buffer.Append(content)
	return content, nil
}

func (c *Controller) superseded(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

// Follow streams the log, calling emit with batches of lines, until ctx is cancelled,
// another operation starts, or the container finishes. Resolution failures are
// returned before anything is emitted.
func (c *Controller) Follow(ctx context.Context, req Request, emit func([]Entry) error) error {
	if err := req.Validate(); err != nil {
		return err
	}
	opCtx, generation := c.begin(ctx, ModeFollow)
	defer c.end(generation)

	target, err := c.streamer.resolve(opCtx, req)
	if err != nil {
		if opCtx.Err() != nil {
			return nil
		}
		return err
	}

	entries := make(chan Entry, c.batchMax*4)
	followErr := make(chan error, 1)
	go func() {
		defer close(entries)
		followErr <- c.streamer.follow(opCtx, target, req, entries)
	}()

	c.telemetry.RecordStreamConnect(telemetry.StreamLogs)
	defer c.telemetry.RecordStreamDisconnect(telemetry.StreamLogs)

	var (
		batch []Entry
		timer *time.Timer
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out := batch
		batch = nil
		c.buffer.Append(FormatEntries(out))
		if err := emit(out); err != nil {
			c.telemetry.RecordStreamError(telemetry.StreamLogs, err)
			return err
		}
		c.telemetry.RecordStreamDelivery(telemetry.StreamLogs, len(out), 0)
		return nil
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		var tick <-chan time.Time
		if timer != nil {
			tick = timer.C
		}
		select {
		case entry, ok := <-entries:
			if !ok {
				if opCtx.Err() != nil {
					return nil
				}
				if err := flush(); err != nil {
					return err
				}
				return <-followErr
			}
			batch = append(batch, entry)
			if len(batch) >= c.batchMax {
				if err := flush(); err != nil {
					return err
				}
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.batchWindow)
			}
		case <-tick:
			timer = nil
			if err := flush(); err != nil {
				return err
			}
		case <-opCtx.Done():
			// drain so the follower goroutine can exit
			for range entries {
			}
			return nil
		}
	}
}

// FormatEntries renders entries the way the API server prints them.
func FormatEntries(entries []Entry) string {
	var builder strings.Builder
	for _, entry := range entries {
		if entry.Timestamp != "" {
			builder.WriteString(entry.Timestamp)
			builder.WriteByte(' ')
		}
		builder.WriteString(entry.Line)
		builder.WriteByte('\n')
	}
	return builder.String()
}
