// Package coordinator drives a single transfer: it plans chunks, runs a
// bounded pool of chunk workers with per-chunk retries, aggregates progress
// and promotes the finished staging file to its destination.
package coordinator

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/surge-downloader/filetransfer/internal/engine"
	"github.com/surge-downloader/filetransfer/internal/engine/staging"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/engine/worker"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// errPaused is the cancellation cause used by Handle.Pause.
var errPaused = errors.New("transfer paused")

// Persister durably records resumable state.
type Persister interface {
	Save(ctx context.Context, st types.TransferState) error
	Delete(ctx context.Context, id string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRuntime sets the engine tuning. nil selects defaults.
func WithRuntime(rc *types.RuntimeConfig) Option {
	return func(c *Coordinator) { c.runtime = rc }
}

// WithClient overrides the HTTP client built from the runtime config.
func WithClient(client *http.Client) Option {
	return func(c *Coordinator) { c.client = client }
}

// WithStagingRoot sets the directory under which per-transfer staging
// directories are created.
func WithStagingRoot(root string) Option {
	return func(c *Coordinator) { c.stagingRoot = root }
}

// WithStore persists state after each chunk success when the request is
// resumable.
func WithStore(store Persister) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithResumeState continues from a previously saved state. It is ignored if
// the state belongs to a different request, its plan is invalid, the staging
// file is gone, or the server's validators changed.
func WithResumeState(st types.TransferState) Option {
	return func(c *Coordinator) {
		prev := st.Clone()
		c.resume = &prev
	}
}

// WithProgress registers a callback invoked from the aggregation goroutine
// with every snapshot, in non-decreasing byte order. The run cannot finish
// while fn is running, so fn must not wait on the Handle.
func WithProgress(fn func(types.ProgressSnapshot)) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// DefaultStagingRoot is used when no staging root is configured.
func DefaultStagingRoot() string {
	return filepath.Join(os.TempDir(), "filetransfer", "staging")
}

// Coordinator owns one transfer's state. It runs once.
type Coordinator struct {
	req         types.TransferRequest
	runtime     *types.RuntimeConfig
	client      *http.Client
	stagingRoot string
	store       Persister
	resume      *types.TransferState
	onProgress  func(types.ProgressSnapshot)
	worker      *worker.Worker
	log         zerolog.Logger

	started atomic.Bool
	area    *staging.Area
	file    *os.File

	mu    sync.Mutex
	state types.TransferState

	// progress aggregation
	startTime time.Time
	last      types.ProgressSnapshot
	lastEmit  time.Time
	subs      map[int]chan types.ProgressSnapshot
	nextSub   int
	subsDone  bool
	pending   atomic.Int64
	kick      chan struct{}

	persistMu sync.Mutex
	replanned bool
}

// New validates req and returns an idle coordinator.
func New(req types.TransferRequest, opts ...Option) (*Coordinator, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		req:         req.Clone(),
		stagingRoot: DefaultStagingRoot(),
		subs:        make(map[int]chan types.ProgressSnapshot),
		kick:        make(chan struct{}, 1),
		log:         utils.Logger("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = engine.NewClient(c.runtime)
	}
	c.worker = worker.New(c.client, c.runtime, newLimiter(c.req.RateLimit, c.runtime))

	c.state = types.TransferState{
		Request: c.req.Clone(),
		Plan:    types.ChunkPlan{TotalSize: -1},
		Status:  types.StatusPlanning,
	}
	c.last = types.ProgressSnapshot{TransferID: c.req.ID}
	return c, nil
}

// newLimiter returns a limiter shared by all chunk workers, or nil when the
// transfer is unlimited. The burst never exceeds one worker buffer.
func newLimiter(bytesPerSecond int64, rc *types.RuntimeConfig) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := rc.GetWorkerBufferSize()
	if int64(burst) > bytesPerSecond {
		burst = int(bytesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// ID returns the transfer ID.
func (c *Coordinator) ID() string { return c.req.ID }

// State returns a copy of the current transfer state.
func (c *Coordinator) State() types.TransferState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Snapshot returns the most recently emitted progress snapshot.
func (c *Coordinator) Snapshot() types.ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start runs the transfer in a new goroutine.
func (c *Coordinator) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancelCause(ctx)
	h := &Handle{c: c, cancel: cancel, done: make(chan struct{})}

	if c.started.Swap(true) {
		cancel(nil)
		h.result = types.ErrResult(types.NewError(types.KindInvalidArgument, nil, "transfer %s already started", c.req.ID))
		close(h.done)
		return h
	}

	go func() {
		defer cancel(nil)
		h.result = c.run(ctx)
		close(h.done)
	}()
	return h
}

// Run starts the transfer and blocks until it reaches a terminal state.
func (c *Coordinator) Run(ctx context.Context) (types.Result, types.TransferState) {
	res := c.Start(ctx).Wait()
	return res, c.State()
}

// Handle controls a started transfer.
type Handle struct {
	c      *Coordinator
	cancel context.CancelCauseFunc
	done   chan struct{}
	result types.Result
}

// ID returns the transfer ID.
func (h *Handle) ID() string { return h.c.req.ID }

// Cancel stops the transfer and returns once every worker has stopped and
// staging has been cleaned up (or kept, for resumable transfers).
func (h *Handle) Cancel() {
	h.cancel(types.ErrCancelled)
	<-h.done
}

// Pause stops the transfer, keeps its staging data and returns the state to
// resume from.
func (h *Handle) Pause() types.TransferState {
	h.cancel(errPaused)
	<-h.done
	return h.c.State()
}

// Subscribe returns a channel of progress snapshots and a function that
// detaches it. Slow subscribers miss snapshots instead of blocking the
// transfer. The channel is closed when the transfer ends.
func (h *Handle) Subscribe(buf int) (<-chan types.ProgressSnapshot, func()) {
	return h.c.subscribe(buf)
}

// Wait blocks until the transfer ends and returns its result.
func (h *Handle) Wait() types.Result {
	<-h.done
	return h.result
}

// Done is closed when the transfer ends.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns a copy of the current transfer state.
func (h *Handle) State() types.TransferState { return h.c.State() }

// Snapshot returns the latest progress snapshot.
func (h *Handle) Snapshot() types.ProgressSnapshot { return h.c.Snapshot() }

// Paused reports whether the transfer ended because of Pause.
func (h *Handle) Paused() bool {
	select {
	case <-h.done:
		return h.c.State().Status == types.StatusPaused
	default:
		return false
	}
}
