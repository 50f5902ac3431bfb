package download

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/filetransfer/internal/background"
	"github.com/surge-downloader/filetransfer/internal/engine/events"
	"github.com/surge-downloader/filetransfer/internal/engine/staging"
	"github.com/surge-downloader/filetransfer/internal/engine/state"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/testutil"
)

func testRuntime() *types.RuntimeConfig {
	return &types.RuntimeConfig{
		WorkerBufferSize: 32 * types.KB,
		RetryBaseDelay:   5 * time.Millisecond,
		RetryMaxDelay:    50 * time.Millisecond,
		ProgressInterval: 20 * time.Millisecond,
	}
}

func newRequest(t *testing.T, url string, opts ...types.RequestOption) types.TransferRequest {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "out.bin")
	req, err := types.NewTransferRequest(url, dest, opts...)
	require.NoError(t, err)
	return req
}

// completion collects the single completion callback of a transfer.
type completion struct {
	mu       sync.Mutex
	calls    int
	res      types.Result
	progress int // progress callbacks seen before completion
	late     int // progress callbacks seen after completion
	done     chan struct{}
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) onProgress(types.ProgressSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls > 0 {
		c.late++
		return
	}
	c.progress++
}

func (c *completion) onComplete(res types.Result) {
	c.mu.Lock()
	c.calls++
	c.res = res
	first := c.calls == 1
	c.mu.Unlock()
	if first {
		close(c.done)
	}
}

func (c *completion) wait(t *testing.T) types.Result {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}

func waitForStatus(t *testing.T, m *Manager, id string, want types.TransferStatus) Info {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		info, err := m.Status(id)
		require.NoError(t, err)
		if info.Status == want {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transfer %s never reached %s", id, want)
	return Info{}
}

func waitForProgress(t *testing.T, m *Manager, id string, min int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		info, err := m.Status(id)
		require.NoError(t, err)
		if info.Progress.BytesCompleted >= min {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transfer %s never reached %d bytes", id, min)
}

func TestManager_StartCompletes(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(2*types.MB))
	evs := make(chan any, 1024)
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()), WithEvents(evs))

	done := newCompletion()
	req := newRequest(t, server.URL(), types.WithMaxConcurrentChunks(2))
	id, err := m.Start(req, done.onProgress, done.onComplete)
	require.NoError(t, err)
	assert.Equal(t, req.ID, id)

	res := done.wait(t)
	require.True(t, res.Ok(), "err: %v", res.Err)

	got, err := os.ReadFile(req.DestinationPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(server.Data(), got))

	info := waitForStatus(t, m, id, types.StatusCompleted)
	assert.Equal(t, req.DestinationPath, info.Path)
	assert.Equal(t, int64(2*types.MB), info.Progress.BytesCompleted)

	done.mu.Lock()
	assert.Equal(t, 1, done.calls)
	assert.Greater(t, done.progress, 0)
	assert.Zero(t, done.late, "no progress after completion")
	done.mu.Unlock()

	var sawStart, sawComplete bool
	for len(evs) > 0 {
		switch (<-evs).(type) {
		case events.TransferStartedMsg:
			sawStart = true
		case events.TransferCompleteMsg:
			sawComplete = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawComplete)
}

func TestManager_UnknownAndFinishedIDs(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(64*types.KB))
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()))

	for _, op := range []func(string) error{m.Cancel, m.Pause, m.Resume} {
		assert.True(t, errors.Is(op("missing"), types.ErrNotFound))
	}
	_, err := m.Status("missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	done := newCompletion()
	id, err := m.Start(newRequest(t, server.URL()), nil, done.onComplete)
	require.NoError(t, err)
	require.True(t, done.wait(t).Ok())
	waitForStatus(t, m, id, types.StatusCompleted)

	for _, op := range []func(string) error{m.Cancel, m.Pause, m.Resume} {
		assert.True(t, errors.Is(op(id), types.ErrNotFound))
	}
	_, _, err = m.Subscribe(id)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestManager_RejectsDuplicateAndInvalid(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(types.MB), testutil.WithByteLatency(10*time.Millisecond))
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()))

	req := newRequest(t, server.URL())
	_, err := m.Start(req, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cancel(req.ID) })

	_, err = m.Start(req, nil, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidArgument))

	bad := req
	bad.ID = "other"
	bad.MaxConcurrentChunks = 0
	_, err = m.Start(bad, nil, nil)
	assert.True(t, errors.Is(err, types.ErrInvalidArgument))
}

func TestManager_PauseResume(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()))

	done := newCompletion()
	req := newRequest(t, server.URL(), types.WithMaxConcurrentChunks(2))
	id, err := m.Start(req, done.onProgress, done.onComplete)
	require.NoError(t, err)

	waitForProgress(t, m, id, 64*types.KB)
	require.NoError(t, m.Pause(id))
	require.NoError(t, m.Pause(id), "pausing twice is a no-op")

	info, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, info.Status)

	done.mu.Lock()
	assert.Zero(t, done.calls, "pause does not complete the transfer")
	done.mu.Unlock()

	require.NoError(t, m.Resume(id))
	res := done.wait(t)
	require.True(t, res.Ok(), "err: %v", res.Err)

	got, err := os.ReadFile(req.DestinationPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(server.Data(), got))
}

func TestManager_CancelPausedNonResumable(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	root := t.TempDir()
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root))

	done := newCompletion()
	id, err := m.Start(newRequest(t, server.URL()), nil, done.onComplete)
	require.NoError(t, err)

	waitForProgress(t, m, id, 32*types.KB)
	require.NoError(t, m.Pause(id))
	assert.True(t, staging.Exists(root, id), "pause keeps staging")

	require.NoError(t, m.Cancel(id))
	res := done.wait(t)
	assert.Equal(t, types.KindCancelled, res.Kind())
	assert.False(t, staging.Exists(root, id))

	info, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, info.Status)
}

func TestManager_CancelRunning(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	root := t.TempDir()
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root))

	done := newCompletion()
	id, err := m.Start(newRequest(t, server.URL()), nil, done.onComplete)
	require.NoError(t, err)
	waitForProgress(t, m, id, 16*types.KB)

	require.NoError(t, m.Cancel(id))
	res := done.wait(t)
	assert.Equal(t, types.KindCancelled, res.Kind())
	assert.False(t, staging.Exists(root, id))
}

func TestManager_BackgroundTokenReleased(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(256*types.KB))
	pool := background.NewPool(1)
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()), WithExecutor(pool))

	done := newCompletion()
	_, err := m.Start(newRequest(t, server.URL(), types.WithBackground(true)), nil, done.onComplete)
	require.NoError(t, err)
	require.True(t, done.wait(t).Ok())

	require.Eventually(t, func() bool { return pool.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestManager_BackgroundRevocationCancels(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	root := t.TempDir()
	pool := background.NewPool(2)
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root), WithExecutor(pool))

	done := newCompletion()
	id, err := m.Start(newRequest(t, server.URL(), types.WithBackground(true)), nil, done.onComplete)
	require.NoError(t, err)
	waitForProgress(t, m, id, 16*types.KB)

	pool.Revoke(id)
	res := done.wait(t)
	assert.Equal(t, types.KindCancelled, res.Kind())
	assert.False(t, staging.Exists(root, id), "revocation is handled like cancel")
	require.Eventually(t, func() bool { return pool.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestManager_Subscribe(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(512*types.KB),
		testutil.WithByteLatency(5*time.Millisecond),
	)
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()))

	req := newRequest(t, server.URL())
	id, err := m.Start(req, nil, nil)
	require.NoError(t, err)

	ch, unsubscribe, err := m.Subscribe(id)
	require.NoError(t, err)
	defer unsubscribe()

	var last types.ProgressSnapshot
	for snap := range ch {
		assert.GreaterOrEqual(t, snap.BytesCompleted, last.BytesCompleted)
		last = snap
	}
	assert.Equal(t, int64(512*types.KB), last.BytesCompleted)
}

func TestManager_RestoreAndDiscard(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	root := t.TempDir()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	first := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root), WithStore(store))
	req := newRequest(t, server.URL(), types.WithResumable(true), types.WithMaxConcurrentChunks(2))
	id, err := first.Start(req, nil, nil)
	require.NoError(t, err)
	waitForProgress(t, first, id, 64*types.KB)

	require.NoError(t, first.Shutdown(context.Background()))
	_, err = first.Start(newRequest(t, server.URL()), nil, nil)
	assert.Error(t, err, "shut down managers refuse new transfers")

	second := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root), WithStore(store))
	ids, err := second.Restore(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	list := second.List()
	require.Len(t, list, 1)
	assert.Equal(t, types.StatusPaused, list[0].Status)
	assert.Greater(t, list[0].Progress.BytesCompleted, int64(0))

	require.NoError(t, second.Discard(context.Background(), id))
	assert.Empty(t, second.List())
	assert.False(t, staging.Exists(root, id))
	_, err = store.Load(context.Background(), id)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	assert.True(t, errors.Is(second.Discard(context.Background(), id), types.ErrNotFound))
}

func TestManager_RestoreThenResume(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	root := t.TempDir()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	first := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root), WithStore(store))
	req := newRequest(t, server.URL(), types.WithResumable(true), types.WithMaxConcurrentChunks(2))
	id, err := first.Start(req, nil, nil)
	require.NoError(t, err)
	waitForProgress(t, first, id, 64*types.KB)
	require.NoError(t, first.Shutdown(context.Background()))

	second := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root), WithStore(store))
	done := newCompletion()
	_, err = second.Restore(context.Background(), nil, done.onComplete)
	require.NoError(t, err)
	require.NoError(t, second.Resume(id))

	res := done.wait(t)
	require.True(t, res.Ok(), "err: %v", res.Err)

	got, err := os.ReadFile(req.DestinationPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(server.Data(), got))

	_, err = store.Load(context.Background(), id)
	assert.True(t, errors.Is(err, types.ErrNotFound), "completed transfers leave no state behind")
}

func TestManager_CancelFromProgressCallback(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	root := t.TempDir()
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(root))

	req := newRequest(t, server.URL())
	returned := make(chan error, 1)
	var once sync.Once
	onProgress := func(s types.ProgressSnapshot) {
		if s.BytesCompleted == 0 {
			return
		}
		once.Do(func() { returned <- m.Cancel(req.ID) })
	}

	done := newCompletion()
	_, err := m.Start(req, onProgress, done.onComplete)
	require.NoError(t, err)

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Cancel called from a progress callback never returned")
	}
	assert.Equal(t, types.KindCancelled, done.wait(t).Kind())
	assert.False(t, staging.Exists(root, req.ID))
}

func TestManager_PauseFromProgressCallback(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(2*types.MB),
		testutil.WithByteLatency(10*time.Millisecond),
	)
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()))

	req := newRequest(t, server.URL(), types.WithMaxConcurrentChunks(2))
	returned := make(chan error, 1)
	var once sync.Once
	onProgress := func(s types.ProgressSnapshot) {
		if s.BytesCompleted > 0 {
			once.Do(func() { returned <- m.Pause(req.ID) })
		}
	}

	done := newCompletion()
	_, err := m.Start(req, onProgress, done.onComplete)
	require.NoError(t, err)

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Pause called from a progress callback never returned")
	}
	waitForStatus(t, m, req.ID, types.StatusPaused)

	require.NoError(t, m.Resume(req.ID))
	res := done.wait(t)
	require.True(t, res.Ok(), "err: %v", res.Err)
}

func TestManager_ProgressNeverDecreasesAcrossResume(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(4*types.MB),
		testutil.WithRangeSupport(false),
		testutil.WithByteLatency(5*time.Millisecond),
	)
	evs := make(chan any, 4096)
	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()), WithEvents(evs))

	var (
		mu   sync.Mutex
		seen []int64
	)
	onProgress := func(s types.ProgressSnapshot) {
		mu.Lock()
		seen = append(seen, s.BytesCompleted)
		mu.Unlock()
	}

	done := newCompletion()
	req := newRequest(t, server.URL())
	id, err := m.Start(req, onProgress, done.onComplete)
	require.NoError(t, err)

	waitForProgress(t, m, id, 256*types.KB)
	require.NoError(t, m.Pause(id))
	paused, err := m.Status(id)
	require.NoError(t, err)

	require.NoError(t, m.Resume(id))
	info, err := m.Status(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Progress.BytesCompleted, paused.Progress.BytesCompleted)

	res := done.wait(t)
	require.True(t, res.Ok(), "err: %v", res.Err)

	got, err := os.ReadFile(req.DestinationPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(server.Data(), got))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "callback %d went backwards", i)
	}

	var last int64
	for len(evs) > 0 {
		if msg, ok := (<-evs).(events.ProgressMsg); ok {
			assert.GreaterOrEqual(t, msg.Downloaded, last)
			last = msg.Downloaded
		}
	}
}

func TestManager_RestoreSkipsFatalFailures(t *testing.T) {
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	saved := func(status types.TransferStatus, terr *types.TransferError) types.TransferState {
		st := types.TransferState{
			Request: newRequest(t, "http://example.com/file.bin", types.WithResumable(true)),
			Plan:    types.ChunkPlan{TotalSize: -1},
			Status:  status,
		}
		if terr != nil {
			st.Error = terr.Error()
			st.ErrorRetryable = terr.Retryable
		}
		require.NoError(t, store.Save(ctx, st))
		return st
	}

	gone := saved(types.StatusFailed, &types.TransferError{Kind: types.KindServer, Message: "unexpected status 404 Not Found", StatusCode: 404})
	flaky := saved(types.StatusFailed, types.NewRetryableError(types.KindNetwork, errors.New("connection reset"), "chunk 0"))
	paused := saved(types.StatusPaused, nil)

	m := NewManager(WithRuntime(testRuntime()), WithStagingRoot(t.TempDir()), WithStore(store))
	ids, err := m.Restore(ctx, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{flaky.Request.ID, paused.Request.ID}, ids)

	_, err = m.Status(gone.Request.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = store.Load(ctx, gone.Request.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound), "state of a fatal failure is dropped")

	info, err := m.Status(flaky.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, info.Status)
}
