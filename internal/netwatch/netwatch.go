// Package netwatch tracks server reachability and turns connectivity
// changes and server-side change hints into sync triggers.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	probeTimeout = 5 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

// Watcher probes the server periodically and, when configured with an
// events URL, keeps a WebSocket open for change notifications. Both
// paths feed the same Notify channel.
type Watcher struct {
	client    *http.Client
	probeURL  string
	eventsURL string
	interval  time.Duration
	logger    *slog.Logger

	online atomic.Bool

	// notify is 1-buffered: bursts of hints collapse into one pending
	// trigger, mirroring the orchestrator's own coalescing.
	notify chan struct{}
}

// New creates a watcher. eventsURL may be empty to disable the
// WebSocket feed and rely on probing alone.
func New(serverURL, eventsURL string, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:    &http.Client{Timeout: probeTimeout},
		probeURL:  serverURL + "/healthz",
		eventsURL: eventsURL,
		interval:  interval,
		logger:    logger,
		notify:    make(chan struct{}, 1),
	}
}

// Notify returns the channel that fires when a sync should run:
// connectivity returning, or the server announcing changes.
func (w *Watcher) Notify() <-chan struct{} {
	return w.notify
}

// Online reports the last observed reachability.
func (w *Watcher) Online() bool {
	return w.online.Load()
}

// Run blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.probeLoop(gctx)
	})

	if w.eventsURL != "" {
		g.Go(func() error {
			return w.listenEvents(gctx)
		})
	}

	return g.Wait()
}

// probeLoop polls the health endpoint. An offline-to-online transition
// fires a notification so queued work flushes promptly on reconnect.
func (w *Watcher) probeLoop(ctx context.Context) error {
	// Probe immediately so the first sync does not wait a full interval.
	w.probe(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.probeURL, nil)
	if err != nil {
		return
	}

	resp, err := w.client.Do(req)
	// Any HTTP response counts as reachable; only transport failures
	// mean offline.
	reachable := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	wasOnline := w.online.Swap(reachable)
	switch {
	case reachable && !wasOnline:
		w.logger.Info("server reachable, scheduling sync")
		w.fire()
	case !reachable && wasOnline:
		w.logger.Warn("server unreachable", slog.String("error", err.Error()))
	}
}

// listenEvents keeps the change-hint feed open with automatic
// reconnection. Every message fires a notification; payload contents
// are ignored, pull decides what actually changed.
func (w *Watcher) listenEvents(ctx context.Context) error {
	backoff := reconnectMin

	for {
		err := w.readFeed(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.logger.Warn("events feed disconnected",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

func (w *Watcher) readFeed(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.eventsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing events feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	w.logger.Info("events feed connected", slog.String("url", w.eventsURL))

	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading events feed: %w", err)
		}
		w.fire()
	}
}

func (w *Watcher) fire() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
