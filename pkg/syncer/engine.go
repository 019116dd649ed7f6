// Package syncer keeps a client's view of one chat session in step with
// the server by polling, merging in the client's own outgoing messages.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mahaj/studio-chat/pkg/delivery"
	"github.com/mahaj/studio-chat/pkg/events"
	"github.com/mahaj/studio-chat/pkg/model"
)

const DefaultInterval = 2 * time.Second

// Fetcher lists a session oldest first. *client.Client satisfies it.
type Fetcher interface {
	List(ctx context.Context, sessionID string) ([]model.Message, error)
}

// Outbox is the client's set of outgoing messages. *delivery.Controller
// satisfies it.
type Outbox interface {
	Entries(sessionID string) []delivery.Entry
	Settle(sessionID string, fetched []model.Message)
}

type Options struct {
	Interval  time.Duration
	Tolerance time.Duration
	// Timeout bounds one fetch. A timed out fetch counts as a skipped tick.
	Timeout time.Duration
	// OnChange receives every new view of the current session.
	OnChange func(sessionID string, view []Item)
}

type Engine struct {
	fetcher Fetcher
	outbox  Outbox
	opts    Options

	mu          sync.Mutex
	sessionID   string
	gen         uint64
	inFlight    bool
	inFlightGen uint64
	fetched     []model.Message
	hash        uint64
	hashed      bool
	view        []Item

	mergeMu sync.Mutex

	kick     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns an idle engine. outbox may be nil for read-only views such
// as the admin dashboard.
func New(f Fetcher, outbox Outbox, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &Engine{
		fetcher: f,
		outbox:  outbox,
		opts:    opts,
		kick:    make(chan struct{}, 1),
	}
}

// Start fetches sessionID immediately, then polls every interval until
// Stop or ctx is done.
func (e *Engine) Start(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.SetSession(sessionID)
	e.Kick()

	e.wg.Add(1)
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Poll(ctx)
		}()
	}
}

// Stop cancels polling and waits for outstanding fetches to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
}

// SetSession switches the viewed session. Merge state is reset, a fetch is
// requested at once, and any fetch still out for the old session is
// discarded when it returns.
func (e *Engine) SetSession(sessionID string) {
	e.mu.Lock()
	if sessionID == e.sessionID {
		e.mu.Unlock()
		return
	}
	e.sessionID = sessionID
	e.gen++
	e.fetched = nil
	e.hashed = false
	e.view = nil
	e.mu.Unlock()
	e.Kick()
}

func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Kick requests a poll ahead of the next tick. Repeated kicks coalesce.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// WatchHints kicks the engine for every pushed event that concerns the
// viewed session. Events only trigger a fetch; their payload is ignored.
func (e *Engine) WatchHints(ctx context.Context, hints <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-hints:
			if !ok {
				return
			}
			if ev.SessionID == "" || ev.SessionID == e.SessionID() {
				e.Kick()
			}
		}
	}
}

// Poll runs one tick. It reports false when skipped because a fetch for
// the current session is still in flight. Fetch errors are logged and
// otherwise ignored; the next tick retries.
func (e *Engine) Poll(ctx context.Context) bool {
	e.mu.Lock()
	if e.sessionID == "" {
		e.mu.Unlock()
		return false
	}
	if e.inFlight && e.inFlightGen == e.gen {
		e.mu.Unlock()
		return false
	}
	sid, gen := e.sessionID, e.gen
	e.inFlight, e.inFlightGen = true, gen
	e.mu.Unlock()

	fctx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	msgs, err := e.fetcher.List(fctx, sid)

	e.mu.Lock()
	if e.inFlightGen == gen {
		e.inFlight = false
	}
	if gen != e.gen {
		e.mu.Unlock()
		return true
	}
	if err != nil {
		e.mu.Unlock()
		slog.DebugContext(ctx, "poll failed", "session_id", sid, "error", err)
		return true
	}
	h := contentHash(msgs)
	unchanged := e.hashed && h == e.hash
	if !unchanged {
		e.fetched, e.hash, e.hashed = msgs, h, true
	}
	e.mu.Unlock()

	// A send can return after the poll that already carried its message,
	// so settle on every fetch, not only when the list changed.
	if e.outbox != nil {
		e.outbox.Settle(sid, msgs)
	}
	if !unchanged {
		e.merge(gen)
	}
	return true
}

// Refresh re-merges the last fetched list with the outbox without
// fetching. Wire it to the outbox's change notifications.
func (e *Engine) Refresh(sessionID string) {
	e.mu.Lock()
	gen, current := e.gen, e.sessionID
	e.mu.Unlock()
	if sessionID != current {
		return
	}
	e.merge(gen)
}

func (e *Engine) merge(gen uint64) {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	sid, fetched := e.sessionID, e.fetched
	e.mu.Unlock()

	var entries []delivery.Entry
	if e.outbox != nil {
		entries = e.outbox.Entries(sid)
	}
	view := Merge(fetched, entries, e.opts.Tolerance)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.view = view
	e.mu.Unlock()

	if e.opts.OnChange != nil {
		e.opts.OnChange(sid, view)
	}
}

// View returns the current merged view.
func (e *Engine) View() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Item(nil), e.view...)
}
