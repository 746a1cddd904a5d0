package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/store"
	"github.com/hera-team/librarian/internal/tasks"
)

// fakeTransport records ship requests and optionally fails or blocks.
type fakeTransport struct {
	mu    sync.Mutex
	ships []ShipRequest
	err   error
	block chan struct{}
}

func (t *fakeTransport) Ship(ctx context.Context, req ShipRequest) error {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.mu.Lock()
	t.ships = append(t.ships, req)
	err := t.err
	t.mu.Unlock()
	return err
}

func (t *fakeTransport) Ships() []ShipRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ShipRequest(nil), t.ships...)
}

type testEngine struct {
	engine    *Engine
	cat       *catalog.Catalog
	mgr       *tasks.Manager
	transport *fakeTransport
	storeID   int64
}

func newTestEngine(t *testing.T, mode Mode) *testEngine {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	st := &catalog.Store{Name: "pot1", PathPrefix: "/pot1data", Available: true}
	id, err := cat.EnsureStore(ctx, st)
	require.NoError(t, err)

	reg := store.NewRegistry(logging.Discard(),
		store.WithDriverFactory(func(catalog.Store) store.Driver { return store.NewFake() }))
	reg.Add(*st)

	mgr := tasks.New(2, logging.Discard())
	mgr.Start(ctx)
	t.Cleanup(func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Drain(dctx)
	})

	transport := &fakeTransport{}
	engine := New(cat, reg, mgr, transport, func() Mode { return mode }, logging.Discard())
	return &testEngine{engine: engine, cat: cat, mgr: mgr, transport: transport, storeID: id}
}

func (te *testEngine) addFile(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	f := &catalog.File{
		Name: name, Type: "uv", Source: "correlator", Size: 4096,
		MD5: "d41d8cd98f00b204e9800998ecf8427e",
	}
	require.NoError(t, te.cat.CreateFile(ctx, f))
	_, err := te.cat.RegisterInstance(ctx, te.storeID, "2457000", name)
	require.NoError(t, err)
}

func (te *testEngine) addOrder(t *testing.T, name string) {
	t.Helper()
	o := &catalog.StandingOrder{Name: name, Search: `{"not-older-than": 1}`, ConnName: "peer"}
	require.NoError(t, te.cat.CreateStandingOrder(context.Background(), o))
}

func waitForTasks(t *testing.T, mgr *tasks.Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mgr.UnfinishedCount() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStandingOrderMatchAndLaunch(t *testing.T) {
	te := newTestEngine(t, ModeNormal)
	ctx := context.Background()

	te.addOrder(t, "O")
	te.addFile(t, "f.uv")

	require.NoError(t, te.engine.CheckNow(ctx))
	waitForTasks(t, te.mgr)

	ships := te.transport.Ships()
	require.Len(t, ships, 1)
	assert.Equal(t, "f.uv", ships[0].FileName)
	assert.Equal(t, "peer", ships[0].ConnName)
	assert.Equal(t, "2457000/f.uv", ships[0].StorePath)
	assert.Equal(t, "2457000/f.uv", ships[0].RemoteStorePath)
	require.NotNil(t, ships[0].RecInfo)
	assert.Contains(t, ships[0].RecInfo.Files, "f.uv")

	launched, err := te.cat.HasEvent(ctx, "f.uv", catalog.EventCopyLaunched)
	require.NoError(t, err)
	assert.True(t, launched)

	finished, err := te.cat.HasEvent(ctx, "f.uv", catalog.EventCopyFinished)
	require.NoError(t, err)
	assert.True(t, finished)

	succeeded, err := te.cat.HasEvent(ctx, "f.uv", catalog.StandingOrderEventType("O"))
	require.NoError(t, err)
	assert.True(t, succeeded)

	// The success event makes the file stop matching.
	require.NoError(t, te.engine.CheckNow(ctx))
	waitForTasks(t, te.mgr)
	assert.Len(t, te.transport.Ships(), 1)
}

func TestStandingOrderFailureIsRematched(t *testing.T) {
	te := newTestEngine(t, ModeNormal)
	ctx := context.Background()

	te.addOrder(t, "O")
	te.addFile(t, "f.uv")
	te.transport.err = errors.New("peer unreachable")

	require.NoError(t, te.engine.CheckNow(ctx))
	waitForTasks(t, te.mgr)

	// copy_finished carries error_code 1; no success event appears.
	events, err := te.cat.EventsForFile(ctx, "f.uv")
	require.NoError(t, err)
	var finished *catalog.FileEvent
	for i := range events {
		if events[i].Type == catalog.EventCopyFinished {
			finished = &events[i]
		}
	}
	require.NotNil(t, finished)
	var payload struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
	require.NoError(t, json.Unmarshal(finished.Payload, &payload))
	assert.Equal(t, 1, payload.ErrorCode)
	assert.Contains(t, payload.ErrorMessage, "peer unreachable")

	succeeded, err := te.cat.HasEvent(ctx, "f.uv", catalog.StandingOrderEventType("O"))
	require.NoError(t, err)
	assert.False(t, succeeded)

	// With the transport healthy again, the next tick retries the file.
	te.transport.err = nil
	require.NoError(t, te.engine.CheckNow(ctx))
	waitForTasks(t, te.mgr)
	assert.Len(t, te.transport.Ships(), 2)
}

func TestInflightSuppressesDuplicateLaunch(t *testing.T) {
	te := newTestEngine(t, ModeNormal)
	ctx := context.Background()

	te.addOrder(t, "O")
	te.addFile(t, "f.uv")

	gate := make(chan struct{})
	te.transport.block = gate

	require.NoError(t, te.engine.CheckNow(ctx))
	require.Eventually(t, func() bool {
		return te.engine.InflightCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The upload is still in flight; a second evaluation must not launch
	// another task for the same (order, file) pair.
	require.NoError(t, te.engine.CheckNow(ctx))

	close(gate)
	waitForTasks(t, te.mgr)
	assert.Len(t, te.transport.Ships(), 1)
	assert.Equal(t, 0, te.engine.InflightCount())
}

func TestDisabledModeSkipsEvaluation(t *testing.T) {
	te := newTestEngine(t, ModeDisabled)
	ctx := context.Background()

	te.addOrder(t, "O")
	te.addFile(t, "f.uv")

	require.NoError(t, te.engine.CheckNow(ctx))
	waitForTasks(t, te.mgr)
	assert.Empty(t, te.transport.Ships())
}

func TestModeAllows(t *testing.T) {
	evening := time.Date(2017, 6, 15, 19, 0, 0, 0, time.Local)
	smallHours := time.Date(2017, 6, 15, 3, 0, 0, 0, time.Local)
	noon := time.Date(2017, 6, 15, 12, 0, 0, 0, time.Local)
	sixPM := time.Date(2017, 6, 15, 18, 0, 0, 0, time.Local)
	sixAM := time.Date(2017, 6, 15, 6, 0, 0, 0, time.Local)

	assert.True(t, modeAllows(ModeNormal, noon))
	assert.False(t, modeAllows(ModeDisabled, evening))

	assert.True(t, modeAllows(ModeNighttime, evening))
	assert.True(t, modeAllows(ModeNighttime, smallHours))
	assert.True(t, modeAllows(ModeNighttime, sixPM))
	assert.False(t, modeAllows(ModeNighttime, noon))
	assert.False(t, modeAllows(ModeNighttime, sixAM))
}

func TestMissingInstanceIsSkipped(t *testing.T) {
	te := newTestEngine(t, ModeNormal)
	ctx := context.Background()

	te.addOrder(t, "O")
	// A file with no instances anywhere can't be uploaded.
	f := &catalog.File{
		Name: "ghost.uv", Type: "uv", Source: "correlator", Size: 1,
		MD5: "d41d8cd98f00b204e9800998ecf8427e",
	}
	require.NoError(t, te.cat.CreateFile(ctx, f))

	require.NoError(t, te.engine.CheckNow(ctx))
	waitForTasks(t, te.mgr)
	assert.Empty(t, te.transport.Ships())

	// The skip left nothing in flight, so a later instance re-triggers.
	_, err := te.cat.RegisterInstance(ctx, te.storeID, "2457000", "ghost.uv")
	require.NoError(t, err)
	require.NoError(t, te.engine.CheckNow(ctx))
	waitForTasks(t, te.mgr)
	assert.Len(t, te.transport.Ships(), 1)
}

func TestLaunchCopy(t *testing.T) {
	te := newTestEngine(t, ModeNormal)
	ctx := context.Background()

	te.addFile(t, "f.uv")

	require.NoError(t, te.engine.LaunchCopy(ctx, "f.uv", "peer", "elsewhere/f.uv"))
	waitForTasks(t, te.mgr)

	ships := te.transport.Ships()
	require.Len(t, ships, 1)
	assert.Equal(t, "elsewhere/f.uv", ships[0].RemoteStorePath)

	// Ad-hoc copies record copy_finished but no standing-order event.
	finished, err := te.cat.HasEvent(ctx, "f.uv", catalog.EventCopyFinished)
	require.NoError(t, err)
	assert.True(t, finished)

	err = te.engine.LaunchCopy(ctx, "no-such.uv", "peer", "")
	assert.Error(t, err)
}

func TestQueueCheckCoalesces(t *testing.T) {
	te := newTestEngine(t, ModeNormal)

	te.engine.QueueCheck()
	te.engine.mu.Lock()
	firstTimer := te.engine.timer
	assert.True(t, te.engine.pending)
	te.engine.mu.Unlock()

	// While a check is pending, further calls must not reset the timer.
	te.engine.QueueCheck()
	te.engine.mu.Lock()
	assert.Same(t, firstTimer, te.engine.timer)
	te.engine.mu.Unlock()

	require.NoError(t, te.engine.Stop())
	te.engine.mu.Lock()
	assert.False(t, te.engine.pending)
	te.engine.mu.Unlock()
}

func TestTimerFiredRespectsRateWindow(t *testing.T) {
	te := newTestEngine(t, ModeNormal)
	e := te.engine

	// A just-finished evaluation keeps the window closed, so the fired
	// timer reschedules instead of evaluating.
	e.mu.Lock()
	e.lastCheck = e.now()
	e.pending = true
	e.mu.Unlock()

	e.timerFired()

	e.mu.Lock()
	assert.True(t, e.pending)
	assert.NotNil(t, e.timer)
	e.mu.Unlock()

	require.NoError(t, e.Stop())
}

func TestAverageRate(t *testing.T) {
	// 1 MiB in 2 s is 512 kB/s.
	assert.InDelta(t, 512.0, averageRate(1<<20, 2*time.Second), 1e-9)
	// Sub-half-second transfers are clamped to 0.5 s.
	assert.InDelta(t, 2048.0, averageRate(1<<20, 10*time.Millisecond), 1e-9)
	assert.InDelta(t, 0.0, averageRate(0, 0), 1e-9)
}
