package tweetwatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// interruptedSaveTimeout bounds the save of partial progress after a tick's
// context has ended.
const interruptedSaveTimeout = 5 * time.Second

// Store persists the watcher's State between ticks. Load on a store that
// has never been written returns Uninitialized.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
}

// Outcome summarizes one tick.
type Outcome struct {
	Previous State
	Next     State
	Fetched  int
	Notified []Item
	Failed   []*NotifyError
	Started  time.Time
	Finished time.Time
}

// Watcher runs ticks: poll the account, pick out new posts, notify about
// each, and advance the stored cursor.
type Watcher struct {
	// Account is the handle used in notification text.
	Account string

	// Destination is the address notifications are sent to, usually a
	// phone number.
	Destination string

	poller  Poller
	sender  Sender
	store   Store
	limiter *rate.Limiter
	metrics *Metrics
	now     func() time.Time
	log     *zap.SugaredLogger

	mu      sync.Mutex
	last    *Outcome
	lastErr error
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the *zap.SugaredLogger that the Watcher will use. If this
// option is not passed a no-op logger is used.
func WithLogger(logger *zap.SugaredLogger) WatcherOption {
	return func(w *Watcher) {
		w.log = logger
	}
}

// WithRateLimit caps how many notifications are sent per second. Twilio
// long codes accept about one per second.
func WithRateLimit(perSecond rate.Limit, burst int) WatcherOption {
	return func(w *Watcher) {
		w.limiter = rate.NewLimiter(perSecond, burst)
	}
}

// WithMetrics makes the Watcher report to m.
func WithMetrics(m *Metrics) WatcherOption {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) {
		w.now = now
	}
}

// NewWatcher returns a Watcher that polls with p, notifies destination
// through s and keeps its cursor in st.
func NewWatcher(account, destination string, p Poller, s Sender, st Store, options ...WatcherOption) (*Watcher, error) {
	if p == nil {
		return nil, errors.New("poller is required")
	}
	if s == nil {
		return nil, errors.New("sender is required")
	}
	if st == nil {
		return nil, errors.New("state store is required")
	}
	w := &Watcher{
		Account:     account,
		Destination: destination,
		poller:      p,
		sender:      s,
		store:       st,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		now:         time.Now,
		log:         zap.NewNop().Sugar(),
	}
	for _, o := range options {
		o(w)
	}
	return w, nil
}

// Check polls for posts newer than st, notifies about them and returns the
// state to persist. Nothing is written. If the poll fails the outcome's
// Next equals st and the error is a *FetchError. If ctx ends before every
// new item was attempted, Next stops at the last attempted item and the
// error is an *InterruptedError.
func (w *Watcher) Check(ctx context.Context, st State) (Outcome, error) {
	if st == nil {
		st = Uninitialized{}
	}
	out := Outcome{Previous: st, Next: st, Started: w.now()}
	since, _ := Cursor(st)

	items, err := w.poller.Poll(ctx, since)
	if err != nil {
		out.Finished = w.now()
		if !IsFetchError(err) {
			err = &FetchError{Op: "poll", Err: err}
		}
		return out, err
	}
	out.Fetched = len(items)
	w.metrics.observeFetched(len(items))

	dec := Diff(items, st)
	out.Next = dec.Next
	if _, tracking := st.(Tracking); !tracking {
		next, _ := Cursor(dec.Next)
		w.log.Infow("first run: recorded baseline, not notifying",
			"account", w.Account,
			"fetched", len(items),
			"last_seen_id", next)
	}

	for i, it := range dec.Notify {
		err := ctx.Err()
		if err == nil {
			err = w.notify(ctx, it)
		}
		if err != nil && ctx.Err() != nil {
			// A send cut short by cancellation may not have reached the
			// gateway. Stop before it so the next tick offers it again.
			out.Next = attemptedThrough(dec.Notify[:i], st)
			out.Finished = w.now()
			return out, &InterruptedError{Pending: len(dec.Notify) - i, Err: ctx.Err()}
		}
		if err != nil {
			ne := &NotifyError{ItemID: it.ID, Err: err}
			out.Failed = append(out.Failed, ne)
			w.log.Warnw("unable to send notification",
				"account", w.Account,
				"item_id", it.ID,
				"err", err)
			continue
		}
		out.Notified = append(out.Notified, it)
	}
	out.Finished = w.now()
	return out, nil
}

// attemptedThrough returns the state covering the attempted items, or st if
// there were none.
func attemptedThrough(attempted []Item, st State) State {
	if len(attempted) == 0 {
		return st
	}
	return Tracking{LastSeenID: attempted[len(attempted)-1].ID}
}

func (w *Watcher) notify(ctx context.Context, it Item) error {
	err := w.limiter.Wait(ctx)
	if err == nil {
		err = w.sender.Send(ctx, Message{
			To:   w.Destination,
			Body: FormatMessage(w.Account, it),
		})
	}
	w.metrics.observeNotification(err)
	if err == nil {
		w.log.Debugw("notified", "account", w.Account, "item_id", it.ID)
	}
	return err
}

// Tick runs one full check: load state, Check, save state. Notification
// failures are reported in the outcome, not as an error. A fetch failure
// returns a *FetchError without touching the store. A load or save failure
// returns a *PersistError. If ctx ends while notifications are going out,
// the cursor is saved up to the last attempted item and an
// *InterruptedError is returned.
func (w *Watcher) Tick(ctx context.Context) (out Outcome, err error) {
	started := w.now()
	defer func() {
		if out.Started.IsZero() {
			out.Started = started
		}
		if out.Finished.IsZero() {
			out.Finished = w.now()
		}
		w.record(out, err)
	}()

	st, err := w.store.Load(ctx)
	if err != nil {
		err = asPersistError("load", err)
		w.logPersistError(err)
		return out, err
	}

	out, err = w.Check(ctx, st)
	if IsInterrupted(err) {
		w.log.Warnw("tick interrupted; keeping progress so far",
			"account", w.Account,
			"notified", len(out.Notified),
			"err", err)
		if out.Next == out.Previous {
			return out, err
		}
		// ctx is already done; give the save its own deadline.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptedSaveTimeout)
		defer cancel()
		if serr := w.store.Save(saveCtx, out.Next); serr != nil {
			serr = asPersistError("save", serr)
			w.logPersistError(serr)
			return out, serr
		}
		return out, err
	}
	if err != nil {
		w.log.Errorw("error fetching posts",
			"account", w.Account,
			"err", err)
		return out, err
	}

	if err := w.store.Save(ctx, out.Next); err != nil {
		out.Finished = w.now()
		err = asPersistError("save", err)
		w.logPersistError(err)
		return out, err
	}
	out.Finished = w.now()

	prev, _ := Cursor(out.Previous)
	next, _ := Cursor(out.Next)
	w.log.Infow("tick complete",
		"account", w.Account,
		"fetched", out.Fetched,
		"notified", len(out.Notified),
		"failed", len(out.Failed),
		"prev_last_seen_id", prev,
		"last_seen_id", next)
	return out, nil
}

func (w *Watcher) logPersistError(err error) {
	var pe *PersistError
	errors.As(err, &pe)
	w.log.Errorw("unable to persist state",
		"account", w.Account,
		"op", pe.Op,
		"err", pe.Err)
}

func asPersistError(op string, err error) error {
	if IsPersistError(err) {
		return err
	}
	return &PersistError{Op: op, Err: err}
}

func (w *Watcher) record(out Outcome, err error) {
	result := ResultOK
	switch {
	case IsPersistError(err):
		result = ResultPersistError
	case IsInterrupted(err):
		result = ResultInterrupted
	case err != nil:
		result = ResultFetchError
	}
	w.metrics.observeTick(result, out.Started, out.Finished)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = &out
	w.lastErr = err
}

// Last returns the outcome and error of the most recent Tick, or a nil
// outcome if none has run.
func (w *Watcher) Last() (*Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return nil, nil
	}
	out := *w.last
	return &out, w.lastErr
}
