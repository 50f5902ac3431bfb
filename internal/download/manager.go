// Package download keeps the registry of transfers and their lifecycle:
// start, pause, resume, cancel, restore after restart and shutdown.
package download

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/surge-downloader/filetransfer/internal/background"
	"github.com/surge-downloader/filetransfer/internal/engine/coordinator"
	"github.com/surge-downloader/filetransfer/internal/engine/events"
	"github.com/surge-downloader/filetransfer/internal/engine/staging"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// StateStore is the persistence the manager needs: the coordinator's
// checkpoint writes plus listing for Restore.
type StateStore interface {
	coordinator.Persister
	List(ctx context.Context) ([]types.TransferState, error)
}

// ProgressFunc receives progress snapshots. BytesCompleted never decreases
// for one transfer, across pauses and resumes included.
type ProgressFunc func(types.ProgressSnapshot)

// CompleteFunc receives the final result. It is called exactly once per
// transfer, after the last progress callback.
type CompleteFunc func(types.Result)

// Info is a point-in-time view of a registered transfer.
type Info struct {
	ID          string                 `json:"id"`
	URL         string                 `json:"url"`
	Destination string                 `json:"destination"`
	Status      types.TransferStatus   `json:"status"`
	Resumable   bool                   `json:"resumable"`
	Progress    types.ProgressSnapshot `json:"progress"`
	Path        string                 `json:"path,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithRuntime sets the engine tuning passed to every coordinator.
func WithRuntime(rc *types.RuntimeConfig) Option {
	return func(m *Manager) { m.runtime = rc }
}

// WithClient shares one HTTP client across transfers.
func WithClient(client *http.Client) Option {
	return func(m *Manager) { m.client = client }
}

// WithStagingRoot sets where staging directories live.
func WithStagingRoot(root string) Option {
	return func(m *Manager) { m.stagingRoot = root }
}

// WithStore enables persisted resume state.
func WithStore(store StateStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithExecutor sets the background-execution provider.
func WithExecutor(exec background.Executor) Option {
	return func(m *Manager) { m.executor = exec }
}

// WithEvents publishes lifecycle messages from the events package to ch.
// Sends never block; a full channel drops the message.
func WithEvents(ch chan<- any) Option {
	return func(m *Manager) { m.events = ch }
}

// Manager is the transfer registry. Create one per process with NewManager.
type Manager struct {
	runtime     *types.RuntimeConfig
	client      *http.Client
	stagingRoot string
	store       StateStore
	executor    background.Executor
	events      chan<- any
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	req        types.TransferRequest
	onProgress ProgressFunc
	onComplete CompleteFunc
	calls      callbackQueue
	once       sync.Once
	createdAt  time.Time

	// guarded by Manager.mu
	status  types.TransferStatus
	last    types.ProgressSnapshot
	resume  *types.TransferState
	run     *run
	result  *types.Result
	subs    map[int]chan types.ProgressSnapshot
	nextSub int
}

// run is one coordinator execution of an entry. A paused entry has none.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	handle *coordinator.Handle
	pause  bool
}

// NewManager returns an empty registry.
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		stagingRoot: coordinator.DefaultStagingRoot(),
		executor:    background.Noop{},
		log:         utils.Logger("manager"),
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func notFound(id string) error {
	return types.NewError(types.KindNotFound, nil, "transfer %s not found", id)
}

func newEntry(req types.TransferRequest, onProgress ProgressFunc, onComplete CompleteFunc) *entry {
	return &entry{
		req:        req.Clone(),
		onProgress: onProgress,
		onComplete: onComplete,
		createdAt:  time.Now(),
		status:     types.StatusPlanning,
		last:       types.ProgressSnapshot{TransferID: req.ID},
		subs:       make(map[int]chan types.ProgressSnapshot),
	}
}

// Start registers req and begins transferring it. It returns the transfer ID
// or an InvalidArgument error.
//
// Callbacks for one transfer run serially on a goroutine of their own, so
// they may call any Manager method, Cancel and Pause included.
func (m *Manager) Start(req types.TransferRequest, onProgress ProgressFunc, onComplete CompleteFunc) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", types.NewError(types.KindInvalidArgument, nil, "manager is shut down")
	}
	if _, ok := m.entries[req.ID]; ok {
		return "", types.NewError(types.KindInvalidArgument, nil, "transfer %s already exists", req.ID)
	}

	e := newEntry(req, onProgress, onComplete)
	m.entries[req.ID] = e
	m.launchLocked(e, nil)

	m.log.Info().Str("id", req.ID).Str("url", req.SourceURL).Msg("transfer started")
	m.publish(events.TransferStartedMsg{TransferID: req.ID, URL: req.SourceURL, DestPath: req.DestinationPath})
	return req.ID, nil
}

func (m *Manager) launchLocked(e *entry, resume *types.TransferState) {
	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.run = r
	e.status = types.StatusPlanning
	go m.drive(ctx, e, r, resume)
}

// drive runs one coordinator to completion or pause, holding a background
// token for the duration when the request asks for one.
func (m *Manager) drive(ctx context.Context, e *entry, r *run, resume *types.TransferState) {
	defer close(r.done)
	defer r.cancel()

	var revoked <-chan struct{}
	if e.req.Background {
		tok, err := m.executor.Acquire(ctx, e.req.ID)
		if err != nil {
			if m.pauseRequested(r) {
				m.settlePaused(e, r, resume)
				return
			}
			m.settle(e, r, types.ErrResult(types.NewError(types.KindCancelled, err, "background execution unavailable")))
			return
		}
		defer tok.Release()
		revoked = tok.Revoked()
	}

	opts := []coordinator.Option{
		coordinator.WithRuntime(m.runtime),
		coordinator.WithStagingRoot(m.stagingRoot),
		coordinator.WithProgress(func(s types.ProgressSnapshot) { m.progress(e, s) }),
	}
	if m.client != nil {
		opts = append(opts, coordinator.WithClient(m.client))
	}
	if m.store != nil {
		opts = append(opts, coordinator.WithStore(m.store))
	}
	if resume != nil {
		opts = append(opts, coordinator.WithResumeState(*resume))
	}

	c, err := coordinator.New(e.req, opts...)
	if err != nil {
		m.settle(e, r, types.ErrResult(err))
		return
	}

	m.mu.Lock()
	if r.pause {
		m.mu.Unlock()
		m.settlePaused(e, r, resume)
		return
	}
	if ctx.Err() != nil {
		m.mu.Unlock()
		m.settle(e, r, types.ErrResult(types.NewError(types.KindCancelled, nil, "transfer cancelled")))
		return
	}
	h := c.Start(ctx)
	r.handle = h
	e.status = types.StatusRunning
	m.mu.Unlock()

	select {
	case <-h.Done():
	case <-revoked:
		m.log.Warn().Str("id", e.req.ID).Msg("background execution revoked, cancelling")
		h.Cancel()
	}

	res := h.Wait()
	if h.Paused() {
		st := h.State()
		m.settlePaused(e, r, &st)
		return
	}
	m.settle(e, r, res)
}

func (m *Manager) pauseRequested(r *run) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.pause
}

func (m *Manager) progress(e *entry, s types.ProgressSnapshot) {
	m.mu.Lock()
	// a run that restarts from zero (single stream, changed validators)
	// must not move the transfer backwards
	if s.BytesCompleted < e.last.BytesCompleted {
		s.BytesCompleted = e.last.BytesCompleted
	}
	e.last = s
	for _, ch := range e.subs {
		select {
		case ch <- s:
		default:
		}
	}
	m.mu.Unlock()

	if e.onProgress != nil {
		e.calls.push(func() { e.onProgress(s) })
	}
	m.publish(events.NewProgressMsg(s))
}

func (m *Manager) settlePaused(e *entry, r *run, st *types.TransferState) {
	m.mu.Lock()
	if e.run == r {
		e.run = nil
	}
	e.status = types.StatusPaused
	e.resume = st
	downloaded := e.last.BytesCompleted
	m.mu.Unlock()

	m.log.Info().Str("id", e.req.ID).Int64("bytes", downloaded).Msg("transfer paused")
	m.publish(events.TransferPausedMsg{TransferID: e.req.ID, Downloaded: downloaded})
}

// settle records a terminal result and resolves the completion callback.
func (m *Manager) settle(e *entry, r *run, res types.Result) {
	status := types.StatusFailed
	switch {
	case res.Ok():
		status = types.StatusCompleted
	case res.Kind() == types.KindCancelled:
		status = types.StatusCancelled
	}

	m.mu.Lock()
	if r != nil && e.run == r {
		e.run = nil
	}
	e.status = status
	e.result = &res
	e.resume = nil
	subs := e.subs
	e.subs = nil
	m.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}

	switch status {
	case types.StatusCompleted:
		m.log.Info().Str("id", e.req.ID).Str("path", res.Path).Str("size", utils.FormatBytes(res.Size)).Msg("transfer complete")
		m.publish(events.TransferCompleteMsg{
			TransferID:  e.req.ID,
			Path:        res.Path,
			Size:        res.Size,
			ContentType: res.ContentType,
			Elapsed:     time.Since(e.createdAt),
		})
	case types.StatusCancelled:
		m.log.Info().Str("id", e.req.ID).Msg("transfer cancelled")
		m.publish(events.TransferCancelledMsg{TransferID: e.req.ID})
	default:
		m.log.Error().Err(res.Err).Str("id", e.req.ID).Msg("transfer failed")
		m.publish(events.TransferErrorMsg{TransferID: e.req.ID, Kind: res.Kind().String(), Err: res.Err})
	}

	e.once.Do(func() {
		if e.onComplete != nil {
			e.calls.push(func() { e.onComplete(res) })
		}
	})
}

func (m *Manager) publish(msg any) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- msg:
	default:
		utils.Debug("event channel full, dropping %T", msg)
	}
}

// lookup returns a live (non-terminal) entry.
func (m *Manager) lookupLocked(id string) (*entry, error) {
	e, ok := m.entries[id]
	if !ok || e.status.Terminal() {
		return nil, notFound(id)
	}
	return e, nil
}

// Cancel stops a running or paused transfer. Non-resumable transfers lose
// their staging data; resumable ones keep staging and persisted state.
// It returns once the transfer has settled.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	r := e.run
	if r == nil {
		e.status = types.StatusCancelled
		m.mu.Unlock()

		if !e.req.Resumable {
			if err := staging.RemoveOrphan(m.stagingRoot, id); err != nil {
				utils.Debug("Transfer %s: removing staging: %v", id, err)
			}
		}
		m.settle(e, nil, types.ErrResult(types.NewError(types.KindCancelled, nil, "transfer cancelled")))
		return nil
	}
	h := r.handle
	m.mu.Unlock()

	if h != nil {
		h.Cancel()
	} else {
		r.cancel()
	}
	<-r.done
	return nil
}

// Pause stops a running transfer and keeps its staging data. Pausing a paused
// transfer is a no-op.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	e, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	r := e.run
	if r == nil {
		m.mu.Unlock()
		return nil
	}
	r.pause = true
	h := r.handle
	m.mu.Unlock()

	if h != nil {
		h.Pause()
	} else {
		r.cancel()
	}
	<-r.done
	return nil
}

// Resume restarts a paused transfer from its saved state. Resuming a running
// transfer is a no-op.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.NewError(types.KindInvalidArgument, nil, "manager is shut down")
	}
	e, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if e.run != nil {
		return nil
	}

	resume := e.resume
	e.resume = nil
	m.launchLocked(e, resume)

	m.log.Info().Str("id", id).Msg("transfer resumed")
	m.publish(events.TransferResumedMsg{TransferID: id})
	return nil
}

// Status reports one transfer.
func (m *Manager) Status(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Info{}, notFound(id)
	}
	return e.infoLocked(), nil
}

// List reports every registered transfer, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.infoLocked())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (e *entry) infoLocked() Info {
	info := Info{
		ID:          e.req.ID,
		URL:         e.req.SourceURL,
		Destination: e.req.DestinationPath,
		Status:      e.status,
		Resumable:   e.req.Resumable,
		Progress:    e.last,
		CreatedAt:   e.createdAt,
	}
	if e.result != nil {
		if e.result.Ok() {
			info.Path = e.result.Path
		} else {
			info.Error = e.result.Err.Error()
		}
	}
	return info
}

// Subscribe streams progress for a live transfer across pauses and resumes.
// The channel is closed when the transfer reaches a terminal state or when
// the returned function is called.
func (m *Manager) Subscribe(id string) (<-chan types.ProgressSnapshot, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan types.ProgressSnapshot, types.ProgressChannelBuffer)
	sub := e.nextSub
	e.nextSub++
	e.subs[sub] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := e.subs[sub]; ok {
				delete(e.subs, sub)
				close(c)
			}
		})
	}, nil
}

// Restore registers every unfinished transfer found in the store as paused.
// Callers resume them explicitly. It returns the restored IDs.
//
// Rows of transfers that failed for good are dropped instead: resuming
// them would fail the same way.
func (m *Manager) Restore(ctx context.Context, onProgress ProgressFunc, onComplete CompleteFunc) ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	states, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var ids, dropped []string
	m.mu.Lock()
	for _, st := range states {
		if st.Status == types.StatusCompleted {
			continue
		}
		if fatalFailure(st) {
			dropped = append(dropped, st.Request.ID)
			continue
		}
		id := st.Request.ID
		if _, ok := m.entries[id]; ok {
			continue
		}

		saved := st.Clone()
		e := newEntry(st.Request, onProgress, onComplete)
		e.status = types.StatusPaused
		e.resume = &saved
		if !st.CreatedAt.IsZero() {
			e.createdAt = st.CreatedAt
		}
		e.last.BytesCompleted = st.BytesCompleted()
		e.last.ChunksDone = st.ChunksDone()
		e.last.ChunksTotal = len(st.Chunks)
		if st.Plan.KnownSize() {
			total := st.Plan.TotalSize
			e.last.BytesTotal = &total
		}

		m.entries[id] = e
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range dropped {
		m.log.Info().Str("id", id).Msg("dropping state of failed transfer")
		if err := m.store.Delete(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("id", id).Msg("could not delete state")
		}
	}
	if len(ids) > 0 {
		m.log.Info().Int("count", len(ids)).Msg("restored unfinished transfers")
	}
	return ids, nil
}

// fatalFailure reports whether st records a failure that no resume can get
// past, such as a 4xx response. Exhausted retries, network and disk
// failures may clear up after a restart.
func fatalFailure(st types.TransferState) bool {
	if st.Status != types.StatusFailed || st.ErrorRetryable {
		return false
	}
	switch st.ErrorKind() {
	case types.KindServer, types.KindNotFound, types.KindInvalidArgument, types.KindIntegrity:
		return true
	}
	return false
}

// Discard forgets a transfer: it is cancelled if still live, then its
// staging data and persisted state are deleted.
func (m *Manager) Discard(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return notFound(id)
	}

	if err := m.Cancel(id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	if staging.Exists(m.stagingRoot, id) {
		if err := staging.RemoveOrphan(m.stagingRoot, id); err != nil {
			return err
		}
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return err
		}
	}

	m.log.Info().Str("id", e.req.ID).Msg("transfer discarded")
	m.publish(events.TransferRemovedMsg{TransferID: id})
	return nil
}

// Shutdown pauses every running transfer and refuses new ones. If ctx ends
// first the remaining transfers are cancelled instead.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var running []string
	for id, e := range m.entries {
		if e.run != nil {
			running = append(running, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range running {
		id := id
		g.Go(func() error {
			if err := m.Pause(id); err != nil && !errors.Is(err, types.ErrNotFound) {
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		m.cancel()
		return err
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}
