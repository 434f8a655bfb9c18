// Package towerbridge ingests fleet state from the external tower
// simulator — both a streaming feed and a 5s polling fallback — and feeds
// normalized events into the Incident Bus (spec.md §4.1).
package towerbridge

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drak0niii/launch-ctrl/internal/bus"
	"github.com/drak0niii/launch-ctrl/internal/deltaemitter"
	"github.com/drak0niii/launch-ctrl/internal/events"
	"github.com/drak0niii/launch-ctrl/internal/towerclient"
)

const (
	pollInterval = 5 * time.Second
	quietAfter   = 15 * time.Second

	backoffBase = time.Second
	backoffCap  = 10 * time.Second
	jitterFrac  = 0.20
)

// StreamOpener opens a fresh connection to the tower simulator's stream
// URL, returning a ReadCloser of line-delimited JSON envelopes.
type StreamOpener func(ctx context.Context) (io.ReadCloser, error)

// HTTPStreamOpener builds a StreamOpener against streamURL using client.
func HTTPStreamOpener(client *http.Client, streamURL string) StreamOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
}

// Bridge owns the single ingest path: stream + poll, both feeding the same
// Delta Emitter and the same Incident Bus.
type Bridge struct {
	client *towerclient.Client
	bus    *bus.Bus
	log    *zap.Logger
	open   StreamOpener

	mu      sync.Mutex
	emitter *deltaemitter.Emitter

	lastSnapshotAt time.Time
}

// New constructs a Bridge. open may be nil, in which case the stream loop
// is skipped and only the 5s poll runs (useful when no stream URL is
// configured).
func New(client *towerclient.Client, b *bus.Bus, open StreamOpener, log *zap.Logger) *Bridge {
	return &Bridge{
		client:  client,
		bus:     b,
		log:     log,
		open:    open,
		emitter: deltaemitter.New(),
	}
}

// Run drives the stream loop (if configured) and the poll loop until ctx
// is cancelled.
func (br *Bridge) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if br.open != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			br.streamLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		br.pollLoop(ctx)
	}()
	wg.Wait()
}

// streamLoop maintains a persistent stream connection, reconnecting with
// exponential backoff (base 1s, cap 10s, ±20% jitter) and resetting delta
// memory on every fresh connection.
func (br *Bridge) streamLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rc, err := br.open(ctx)
		if err != nil {
			br.log.Warn("towerbridge: stream connect failed", zap.Error(err), zap.Int("attempt", attempt))
			if !br.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		br.mu.Lock()
		br.emitter.Reset()
		br.mu.Unlock()
		br.bus.Publish(events.Event{Type: events.TypeBusReconnected, SiteID: "all", Timestamp: nowRFC3339()})

		br.readStream(ctx, rc)
		rc.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		br.bus.Publish(events.Event{Type: events.TypeBusDisconnected, SiteID: "all", Timestamp: nowRFC3339()})
		if !br.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// readStream decodes envelopes until the reader ends, warning each time
// quietAfter passes with no envelope (repeatedly during a long silence).
func (br *Bridge) readStream(ctx context.Context, rc io.ReadCloser) {
	decoder := NewLineDecoder(rc)

	type result struct {
		snap events.Snapshot
		ts   string
		err  error
	}
	next := make(chan result, 1)
	go func() {
		for {
			snap, ts, err := decoder.Next()
			next <- result{snap, ts, err}
			if err != nil {
				return
			}
		}
	}()

	quiet := time.NewTimer(quietAfter)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quiet.C:
			br.log.Warn("towerbridge: stream quiet", zap.Duration("threshold", quietAfter))
			quiet.Reset(quietAfter)
		case r := <-next:
			if r.err != nil {
				if r.err != io.EOF {
					br.log.Warn("towerbridge: stream read error", zap.Error(r.err))
				}
				return
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(quietAfter)
			br.ingest(r.snap, r.ts)
		}
	}
}

// pollLoop fetches the full snapshot every 5s regardless of stream health
// — spec.md §4.1 requires this fallback run unconditionally.
func (br *Bridge) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := br.client.GetState(ctx)
			if err != nil {
				br.log.Warn("towerbridge: poll failed", zap.Error(err))
				continue
			}
			br.ingest(snap, nowRFC3339())
		}
	}
}

// ingest serializes access to the shared emitter across the stream and
// poll loops and publishes whatever events fall out of the diff, plus the
// state.update envelope spec.md §4.1 requires for every ingest.
func (br *Bridge) ingest(snap events.Snapshot, ts string) {
	br.mu.Lock()
	deltas := br.emitter.Ingest(snap, ts)
	br.mu.Unlock()

	br.lastSnapshotAt = time.Now()

	for _, evt := range deltas {
		br.bus.Publish(evt)
	}
	br.bus.Publish(events.Event{Type: events.TypeStateUpdate, SiteID: "all", Timestamp: ts, Payload: snap})
}

// sleepBackoff waits base*2^attempt (capped, ±20% jitter) or returns false
// if ctx is cancelled first.
func (br *Bridge) sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(float64(d) * jitterFrac * (rand.Float64()*2 - 1))
	d += jitter
	if d < 0 {
		d = 0
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
