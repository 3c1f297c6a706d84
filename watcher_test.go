package tweetwatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ianfoo/tweetwatch"
	"github.com/ianfoo/tweetwatch/store"
)

// fakePoller returns its items filtered by the cursor, the way the API does
// with since_id.
type fakePoller struct {
	items []tweetwatch.Item
	err   error
	calls []string
}

func (p *fakePoller) Poll(_ context.Context, since string) ([]tweetwatch.Item, error) {
	p.calls = append(p.calls, since)
	if p.err != nil {
		return nil, p.err
	}
	var out []tweetwatch.Item
	for _, it := range p.items {
		if since == "" || tweetwatch.CompareIDs(it.ID, since) > 0 {
			out = append(out, it)
		}
	}
	return out, nil
}

type recordingSender struct {
	mu     sync.Mutex
	sent   []tweetwatch.Message
	reject map[string]bool // item IDs the gateway refuses
}

func (s *recordingSender) Send(_ context.Context, msg tweetwatch.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	for id := range s.reject {
		if tweetwatch.StatusURL("acct", id) == lastLine(msg.Body) {
			return errors.New("gateway rejected message")
		}
	}
	return nil
}

func lastLine(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}

type failingStore struct {
	tweetwatch.Store
	loadErr, saveErr error
}

func (f failingStore) Load(ctx context.Context) (tweetwatch.State, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.Store.Load(ctx)
}

func (f failingStore) Save(ctx context.Context, st tweetwatch.State) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.Save(ctx, st)
}

// cancellingSender cancels the tick's context once it has sent `after`
// messages, the way SIGTERM or a dropped HTTP trigger would.
type cancellingSender struct {
	recordingSender
	after  int
	cancel context.CancelFunc
}

func (s *cancellingSender) Send(ctx context.Context, msg tweetwatch.Message) error {
	err := s.recordingSender.Send(ctx, msg)
	if len(s.sent) == s.after {
		s.cancel()
	}
	return err
}

func posts(ids ...string) []tweetwatch.Item {
	out := make([]tweetwatch.Item, len(ids))
	for i, id := range ids {
		out[i] = tweetwatch.Item{ID: id, Text: "post " + id}
	}
	return out
}

func newWatcher(t *testing.T, p tweetwatch.Poller, s tweetwatch.Sender, st tweetwatch.Store, opts ...tweetwatch.WatcherOption) *tweetwatch.Watcher {
	t.Helper()
	opts = append([]tweetwatch.WatcherOption{tweetwatch.WithLogger(zap.NewNop().Sugar())}, opts...)
	w, err := tweetwatch.NewWatcher("acct", "+15550001111", p, s, st, opts...)
	require.NoError(t, err)
	return w
}

func sentIDs(msgs []tweetwatch.Message) []string {
	var out []string
	for _, m := range msgs {
		url := lastLine(m.Body)
		out = append(out, url[len(tweetwatch.StatusURL("acct", "")):])
	}
	return out
}

func TestTickNotifiesNewItemsInOrder(t *testing.T) {
	p := &fakePoller{items: posts("103", "102", "101")}
	s := &recordingSender{}
	st := store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"})
	w := newWatcher(t, p, s, st)

	out, err := w.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"101", "102", "103"}, sentIDs(s.sent))
	for _, m := range s.sent {
		assert.Equal(t, "+15550001111", m.To)
	}
	assert.Len(t, out.Notified, 3)
	assert.Equal(t, 3, out.Fetched)
	assert.Equal(t, []string{"100"}, p.calls, "cursor passed to poller")

	saved, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "103"}, saved)
}

func TestTickFirstRunSendsNothing(t *testing.T) {
	p := &fakePoller{items: posts("50", "51")}
	s := &recordingSender{}
	st := store.NewMemory(nil)
	w := newWatcher(t, p, s, st)

	out, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.sent)
	assert.Empty(t, out.Notified)

	saved, _ := st.Load(context.Background())
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "51"}, saved)
	assert.False(t, tweetwatch.RecordFromState(saved).FirstRun)
}

func TestTickIsIdempotentWithoutNewItems(t *testing.T) {
	p := &fakePoller{items: posts("101", "102")}
	s := &recordingSender{}
	st := store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"})
	w := newWatcher(t, p, s, st)

	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, s.sent, 2)

	out, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.sent, 2, "second tick sends nothing")
	assert.Empty(t, out.Notified)
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "102"}, out.Next)
	assert.Equal(t, out.Previous, out.Next)
}

func TestTickEmptyFetchKeepsCursor(t *testing.T) {
	p := &fakePoller{}
	s := &recordingSender{}
	st := store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"})
	w := newWatcher(t, p, s, st)

	out, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.sent)
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "100"}, out.Next)
}

func TestTickNotifyFailureDoesNotBlockOthers(t *testing.T) {
	p := &fakePoller{items: posts("101", "102", "103")}
	s := &recordingSender{reject: map[string]bool{"102": true}}
	st := store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"})
	reg := prometheus.NewRegistry()
	m := tweetwatch.NewMetrics(reg)
	w := newWatcher(t, p, s, st, tweetwatch.WithMetrics(m))

	out, err := w.Tick(context.Background())
	require.NoError(t, err, "notify failures do not fail the tick")

	assert.Equal(t, []string{"101", "102", "103"}, sentIDs(s.sent), "all attempted")
	require.Len(t, out.Failed, 1)
	assert.Equal(t, "102", out.Failed[0].ItemID)
	assert.Len(t, out.Notified, 2)

	saved, _ := st.Load(context.Background())
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "103"}, saved)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Notifications.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues(tweetwatch.ResultOK)))
}

func TestTickFetchErrorLeavesStateUntouched(t *testing.T) {
	p := &fakePoller{err: &tweetwatch.FetchError{Op: "timeline", Status: 429}}
	s := &recordingSender{}
	st := store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"})
	reg := prometheus.NewRegistry()
	m := tweetwatch.NewMetrics(reg)
	w := newWatcher(t, p, s, st, tweetwatch.WithMetrics(m))

	_, err := w.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, tweetwatch.IsFetchError(err))
	assert.False(t, tweetwatch.IsPersistError(err))

	var fe *tweetwatch.FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.RateLimited())

	assert.Empty(t, s.sent)
	assert.Zero(t, st.Saves(), "no state mutation on fetch failure")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues(tweetwatch.ResultFetchError)))

	last, lastErr := w.Last()
	require.NotNil(t, last)
	assert.Equal(t, err, lastErr)
}

func TestTickWrapsPlainPollErrors(t *testing.T) {
	p := &fakePoller{err: errors.New("boom")}
	w := newWatcher(t, p, &recordingSender{}, store.NewMemory(nil))

	_, err := w.Tick(context.Background())
	assert.True(t, tweetwatch.IsFetchError(err))
}

func TestTickSaveFailureIsPersistError(t *testing.T) {
	p := &fakePoller{items: posts("101")}
	s := &recordingSender{}
	st := failingStore{
		Store:   store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"}),
		saveErr: errors.New("disk full"),
	}
	w := newWatcher(t, p, s, st)

	out, err := w.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, tweetwatch.IsPersistError(err))
	assert.False(t, tweetwatch.IsFetchError(err))
	assert.Len(t, s.sent, 1, "notifications go out before the save")
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "101"}, out.Next)

	var pe *tweetwatch.PersistError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "save", pe.Op)
}

func TestTickLoadFailureIsPersistError(t *testing.T) {
	p := &fakePoller{items: posts("101")}
	st := failingStore{Store: store.NewMemory(nil), loadErr: errors.New("connection refused")}
	w := newWatcher(t, p, &recordingSender{}, st)

	_, err := w.Tick(context.Background())
	assert.True(t, tweetwatch.IsPersistError(err))
	assert.Empty(t, p.calls, "nothing fetched without state")
}

func TestCheckDoesNotPersist(t *testing.T) {
	p := &fakePoller{items: posts("101")}
	st := store.NewMemory(nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := newWatcher(t, p, &recordingSender{}, st,
		tweetwatch.WithClock(func() time.Time { return now }))

	out, err := w.Check(context.Background(), tweetwatch.Tracking{LastSeenID: "100"})
	require.NoError(t, err)
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "101"}, out.Next)
	assert.Equal(t, now, out.Started)
	assert.Equal(t, now, out.Finished)
	assert.Zero(t, st.Saves())
}

func TestLastBeforeAnyTick(t *testing.T) {
	w := newWatcher(t, &fakePoller{}, &recordingSender{}, store.NewMemory(nil))
	out, err := w.Last()
	assert.Nil(t, out)
	assert.NoError(t, err)
}

func TestNewWatcherRequiresDependencies(t *testing.T) {
	_, err := tweetwatch.NewWatcher("acct", "", nil, &recordingSender{}, store.NewMemory(nil))
	assert.Error(t, err)
	_, err = tweetwatch.NewWatcher("acct", "", &fakePoller{}, nil, store.NewMemory(nil))
	assert.Error(t, err)
	_, err = tweetwatch.NewWatcher("acct", "", &fakePoller{}, &recordingSender{}, nil)
	assert.Error(t, err)
}

func TestTickCancelledMidSendKeepsUnsentItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakePoller{items: posts("101", "102", "103")}
	s := &cancellingSender{after: 1, cancel: cancel}
	st := store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"})
	reg := prometheus.NewRegistry()
	m := tweetwatch.NewMetrics(reg)
	w := newWatcher(t, p, s, st, tweetwatch.WithMetrics(m))

	out, err := w.Tick(ctx)
	require.Error(t, err)
	assert.True(t, tweetwatch.IsInterrupted(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, tweetwatch.IsPersistError(err))

	var ie *tweetwatch.InterruptedError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 2, ie.Pending)

	assert.Equal(t, []string{"101"}, sentIDs(s.sent))
	assert.Empty(t, out.Failed, "unsent items are not notify failures")
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "101"}, out.Next)

	saved, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "101"}, saved, "cursor stops at the last sent item")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues(tweetwatch.ResultInterrupted)))

	// The next tick picks up where the interrupted one stopped.
	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102", "103"}, sentIDs(s.sent))
}

func TestTickCancelledBeforeSendingSavesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakePoller{items: posts("101", "102")}
	s := &recordingSender{}
	st := store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"})
	w := newWatcher(t, p, s, st)

	out, err := w.Tick(ctx)
	assert.True(t, tweetwatch.IsInterrupted(err))
	assert.Empty(t, s.sent)
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "100"}, out.Next)
	assert.Zero(t, st.Saves())
}

func TestTickLogsPersistErrors(t *testing.T) {
	tests := []struct {
		name  string
		store failingStore
		op    string
		cause string
	}{
		{
			name:  "save",
			store: failingStore{Store: store.NewMemory(tweetwatch.Tracking{LastSeenID: "100"}), saveErr: errors.New("disk full")},
			op:    "save",
			cause: "disk full",
		},
		{
			name:  "load",
			store: failingStore{Store: store.NewMemory(nil), loadErr: errors.New("connection refused")},
			op:    "load",
			cause: "connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)
			w := newWatcher(t, &fakePoller{items: posts("101")}, &recordingSender{}, tt.store,
				tweetwatch.WithLogger(zap.New(core).Sugar()))

			_, err := w.Tick(context.Background())
			require.True(t, tweetwatch.IsPersistError(err))

			entries := logs.FilterMessage("unable to persist state").All()
			require.Len(t, entries, 1)
			fields := entries[0].ContextMap()
			assert.Equal(t, tt.op, fields["op"])
			assert.Equal(t, "acct", fields["account"])
			assert.Equal(t, tt.cause, fields["err"])
		})
	}
}
