package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/surge-downloader/filetransfer/internal/engine"
	"github.com/surge-downloader/filetransfer/internal/engine/planner"
	"github.com/surge-downloader/filetransfer/internal/engine/staging"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

func (c *Coordinator) run(ctx context.Context) types.Result {
	c.startTime = time.Now()
	utils.Debug("Transfer %s: %s -> %s", c.req.ID, c.req.SourceURL, c.req.DestinationPath)

	if err := c.prepare(ctx); err != nil {
		return c.fail(ctx, err)
	}

	c.mu.Lock()
	c.lastEmit = time.Now()
	c.mu.Unlock()
	stopAggregator := c.startAggregator()

	err := c.runChunks(ctx)
	if types.KindOf(err) == types.KindRangeUnsupported && !c.replanned && ctx.Err() == nil {
		utils.Debug("Transfer %s: server refused ranges, switching to a single stream", c.req.ID)
		c.replanSingle()
		err = c.runChunks(ctx)
	}
	stopAggregator()

	switch {
	case err != nil:
		return c.fail(ctx, err)
	case ctx.Err() != nil:
		return c.interrupt(ctx)
	}
	return c.finalize(ctx)
}

// prepare builds the plan (fresh or resumed) and opens the staging file.
func (c *Coordinator) prepare(ctx context.Context) error {
	area, err := staging.Open(c.stagingRoot, c.req.ID)
	if err != nil {
		return err
	}
	c.area = area

	st, fresh := c.resumeState(ctx)
	if fresh {
		probe, probeErr := engine.ProbeServer(ctx, c.client, c.req.SourceURL, c.req.Headers, c.runtime)
		if probeErr != nil {
			utils.Debug("Transfer %s: probe failed, falling back to a single stream: %v", c.req.ID, probeErr)
			probe = nil
		}
		st = c.freshState(probe)
	}

	size := st.Plan.TotalSize
	if size < 0 {
		size = 0
	}
	file, err := area.Prepare(size, fresh)
	if err != nil {
		return err
	}
	c.file = file

	now := time.Now()
	st.StagingDir = area.Dir()
	st.StagingFile = area.Path()
	st.Status = types.StatusRunning
	st.UpdatedAt = now
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}

	c.mu.Lock()
	c.state = st
	c.mu.Unlock()

	utils.Debug("Transfer %s: %d chunk(s), size %d, resumed=%v", c.req.ID, len(st.Plan.Chunks), st.Plan.TotalSize, !fresh)
	return c.persist(ctx)
}

// resumeState returns the supplied resume state when it can still be used.
func (c *Coordinator) resumeState(ctx context.Context) (types.TransferState, bool) {
	if c.resume == nil {
		return types.TransferState{}, true
	}
	prev := c.resume.Clone()

	if !prev.Request.SameIdentity(c.req) {
		utils.Debug("Transfer %s: resume state belongs to another request", c.req.ID)
		return types.TransferState{}, true
	}
	if err := prev.Plan.Validate(); err != nil || len(prev.Chunks) != len(prev.Plan.Chunks) {
		utils.Debug("Transfer %s: discarding invalid resume plan: %v", c.req.ID, err)
		return types.TransferState{}, true
	}
	if len(prev.Plan.Chunks) == 1 && !prev.Plan.Chunks[0].Bounded() {
		// a single stream restarts from zero anyway
		return types.TransferState{}, true
	}
	if c.area.Size() != prev.Plan.TotalSize {
		utils.Debug("Transfer %s: staging file missing or resized, starting over", c.req.ID)
		return types.TransferState{}, true
	}

	probe, err := engine.ProbeServer(ctx, c.client, c.req.SourceURL, c.req.Headers, c.runtime)
	if err == nil && validatorsChanged(prev, probe) {
		utils.Debug("Transfer %s: remote file changed, starting over", c.req.ID)
		return types.TransferState{}, true
	}

	prev.Request = c.req.Clone()
	prev.Error = ""
	for i := range prev.Chunks {
		if prev.Chunks[i].Status != types.ChunkSucceeded {
			prev.Chunks[i].Status = types.ChunkPending
			prev.Chunks[i].Reason = ""
		}
	}
	if prev.FinalPath == "" {
		prev.FinalPath = c.resolveDestination(probe)
	}
	return prev, false
}

func validatorsChanged(prev types.TransferState, probe *engine.ProbeResult) bool {
	if prev.ETag != "" && probe.ETag != "" && prev.ETag != probe.ETag {
		return true
	}
	if prev.LastModified != "" && probe.LastModified != "" && prev.LastModified != probe.LastModified {
		return true
	}
	return probe.FileSize >= 0 && probe.FileSize != prev.Plan.TotalSize
}

// freshState plans from the probe result. A nil probe means the probe failed.
func (c *Coordinator) freshState(probe *engine.ProbeResult) types.TransferState {
	st := types.TransferState{Request: c.req.Clone()}

	size, ranges := int64(-1), false
	if probe != nil {
		size, ranges = probe.FileSize, probe.SupportsRange
		st.ETag = probe.ETag
		st.LastModified = probe.LastModified
		st.ContentType = probe.ContentType
	}
	st.Plan = planner.Plan(c.req, size, ranges, c.runtime.GetMinChunkSize())
	st.Chunks = types.NewChunkStates(st.Plan)
	st.FinalPath = c.resolveDestination(probe)
	return st
}

// resolveDestination names the output file when the destination is a
// directory.
func (c *Coordinator) resolveDestination(probe *engine.ProbeResult) string {
	if !c.req.DestinationIsDir() {
		return c.req.DestinationPath
	}
	name := ""
	if probe != nil {
		name = probe.Filename
	}
	if name == "" {
		name = utils.FilenameFromURL(c.req.SourceURL)
	}
	if name == "" {
		name = types.DefaultFilename
	}
	return filepath.Join(c.req.DestinationPath, name)
}

// replanSingle replaces the plan with one unbounded chunk, keeping the
// expected total for the integrity check.
func (c *Coordinator) replanSingle() {
	c.replanned = true

	c.mu.Lock()
	total := c.state.Plan.TotalSize
	c.state.Plan = planner.Plan(c.req, total, false, c.runtime.GetMinChunkSize())
	c.state.Plan.TotalSize = total
	c.state.Chunks = types.NewChunkStates(c.state.Plan)
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()
}

// runChunks runs every unfinished chunk with at most MaxConcurrentChunks in
// flight. It returns the first terminal chunk error; siblings are cancelled
// when one occurs. Cancellation of ctx is not an error.
func (c *Coordinator) runChunks(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	c.mu.Lock()
	specs := append([]types.ChunkSpec(nil), c.state.Plan.Chunks...)
	var todo []types.ChunkSpec
	for _, spec := range specs {
		if c.state.Chunks[spec.Index].Status != types.ChunkSucceeded {
			todo = append(todo, spec)
		}
	}
	c.mu.Unlock()

	sem := semaphore.NewWeighted(int64(c.req.MaxConcurrentChunks))

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, spec := range todo {
		spec := spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				c.markChunk(spec.Index, types.ChunkCancelled, "")
				return
			}
			defer sem.Release(1)

			if err := c.runChunk(runCtx, spec); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancelRun(err)
				})
			}
		}()
	}

	// acknowledgement barrier: nothing writes to staging after this
	wg.Wait()
	return firstErr
}

// runChunk retries one chunk until it succeeds, is cancelled, or fails
// terminally.
func (c *Coordinator) runChunk(ctx context.Context, spec types.ChunkSpec) error {
	maxRetries := c.runtime.GetMaxTaskRetries()
	retries := 0

	for {
		resumeFrom := c.beginAttempt(spec)
		res := c.worker.Run(ctx, c.req, spec, resumeFrom, c.file, func(n int64) {
			c.addBytes(spec.Index, n)
		})

		switch res.Status {
		case types.ChunkSucceeded:
			c.markChunk(spec.Index, types.ChunkSucceeded, "")
			return c.checkpoint(ctx)
		case types.ChunkCancelled:
			c.markChunk(spec.Index, types.ChunkCancelled, "")
			return nil
		}

		terr := res.Err
		if terr == nil {
			terr = types.NewError(types.KindUnknown, nil, "chunk %d failed", spec.Index)
		}
		if terr.Kind == types.KindRangeUnsupported || !terr.Retryable || retries >= maxRetries {
			c.markChunk(spec.Index, types.ChunkFailed, terr.Error())
			utils.Debug("Chunk %d: giving up after %d retries: %v", spec.Index, retries, terr)
			return terr
		}

		retries++
		delay := c.retryDelay(retries, terr)
		c.noteRetry(spec.Index, terr.Error())
		utils.Debug("Chunk %d: %v, retry %d/%d in %v", spec.Index, terr, retries, maxRetries, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.markChunk(spec.Index, types.ChunkCancelled, "")
			return nil
		case <-timer.C:
		}
	}
}

// retryDelay is the exponential backoff for attempt n, raised to any
// server-requested Retry-After, capped at the configured maximum.
func (c *Coordinator) retryDelay(n int, terr *types.TransferError) time.Duration {
	delay := c.runtime.BackoffDelay(n)
	if terr.RetryAfter > delay {
		delay = terr.RetryAfter
	}
	if maxDelay := c.runtime.GetRetryMaxDelay(); delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// beginAttempt marks the chunk running and returns its resume offset. An
// unbounded chunk cannot resume mid-stream and restarts from zero.
func (c *Coordinator) beginAttempt(spec types.ChunkSpec) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := &c.state.Chunks[spec.Index]
	if !spec.Bounded() {
		cs.BytesWritten = 0
	}
	cs.Transition(types.ChunkRunning, "")
	return cs.BytesWritten
}

func (c *Coordinator) addBytes(index int, n int64) {
	c.mu.Lock()
	c.state.Chunks[index].BytesWritten += n
	c.mu.Unlock()

	if c.pending.Add(n) >= c.runtime.GetProgressByteThreshold() {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) markChunk(index int, status types.ChunkStatus, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Chunks[index].Transition(status, reason) {
		c.state.UpdatedAt = time.Now()
	}
}

func (c *Coordinator) noteRetry(index int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Chunks[index].RetryCount++
	c.state.Chunks[index].Reason = reason
}

func (c *Coordinator) setStatus(status types.TransferStatus, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Status = status
	c.state.Error = errMsg
	c.state.ErrorRetryable = false
	c.state.UpdatedAt = time.Now()
}

// checkpoint makes completed chunks durable: it snapshots the state, syncs
// the staging file, then persists the snapshot, so every byte the snapshot
// counts is on disk before the record says so.
func (c *Coordinator) checkpoint(ctx context.Context) error {
	if !c.req.Resumable || c.store == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	st := c.State()
	if err := c.area.Sync(); err != nil {
		return types.NewError(types.KindDisk, err, "sync staging file")
	}
	return c.save(ctx, st)
}

// persist saves the current state when the transfer is resumable.
func (c *Coordinator) persist(ctx context.Context) error {
	if !c.req.Resumable || c.store == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	return c.save(ctx, c.State())
}

// save writes st to the store. A failed write breaks the resume guarantee,
// so it is logged and reported as a DiskError.
func (c *Coordinator) save(ctx context.Context, st types.TransferState) error {
	if err := c.store.Save(context.WithoutCancel(ctx), st); err != nil {
		c.log.Error().Err(err).Str("id", c.req.ID).Str("status", st.Status.String()).Msg("failed to persist transfer state")
		return types.NewError(types.KindDisk, err, "persist transfer state")
	}
	return nil
}

// forget removes any persisted state.
func (c *Coordinator) forget(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(context.WithoutCancel(ctx), c.req.ID); err != nil {
		utils.Debug("Transfer %s: failed to delete state: %v", c.req.ID, err)
	}
}

// finalize verifies the byte count and promotes the staging file.
func (c *Coordinator) finalize(ctx context.Context) types.Result {
	c.setStatus(types.StatusFinalizing, "")
	st := c.State()

	if !st.AllSucceeded() {
		return c.fail(ctx, types.NewError(types.KindUnknown, nil, "finalize with %d of %d chunks done", st.ChunksDone(), len(st.Chunks)))
	}

	written := st.BytesCompleted()
	onDisk := c.area.Size()
	if st.Plan.KnownSize() && (written != st.Plan.TotalSize || onDisk != st.Plan.TotalSize) {
		return c.fail(ctx, types.NewError(types.KindIntegrity, nil,
			"wrote %d bytes (%d on disk), expected %d", written, onDisk, st.Plan.TotalSize))
	}
	if !st.Plan.KnownSize() && onDisk != written {
		return c.fail(ctx, types.NewError(types.KindIntegrity, nil,
			"wrote %d bytes but staging holds %d", written, onDisk))
	}

	if err := c.area.Promote(st.FinalPath); err != nil {
		return c.fail(ctx, err)
	}
	c.file = nil

	contentType := staging.DetectContentType(st.FinalPath)
	if contentType == "" {
		contentType = st.ContentType
	}
	c.forget(ctx)

	c.mu.Lock()
	c.state.Status = types.StatusCompleted
	c.state.ContentType = contentType
	c.state.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.emit(&written)
	c.closeSubscribers()

	utils.Debug("Transfer %s: completed %s (%s)", c.req.ID, st.FinalPath, utils.FormatBytes(written))
	return types.OkResult(st.FinalPath, written, contentType)
}

// fail ends the transfer with err. Staging survives for resumable transfers
// and for integrity failures, which are kept for inspection.
func (c *Coordinator) fail(ctx context.Context, err error) types.Result {
	var terr *types.TransferError
	if !errors.As(err, &terr) {
		terr = types.NewError(types.KindUnknown, err, "transfer failed")
	}

	c.setStatus(types.StatusFailed, terr.Error())
	c.mu.Lock()
	c.state.ErrorRetryable = terr.Retryable
	c.mu.Unlock()
	c.emit(nil)

	if c.area != nil {
		if c.req.Resumable || terr.Kind == types.KindIntegrity {
			if cerr := c.area.Close(); cerr != nil {
				utils.Debug("Transfer %s: closing staging: %v", c.req.ID, cerr)
			}
		} else if rerr := c.area.Remove(); rerr != nil {
			utils.Debug("Transfer %s: removing staging: %v", c.req.ID, rerr)
		}
	}
	_ = c.persist(ctx)
	c.closeSubscribers()

	utils.Debug("Transfer %s: failed: %v", c.req.ID, terr)
	return types.ErrResult(terr)
}

// interrupt handles cancel and pause. Paused transfers always keep staging;
// cancelled ones keep it only when resumable.
func (c *Coordinator) interrupt(ctx context.Context) types.Result {
	paused := errors.Is(context.Cause(ctx), errPaused)
	status := types.StatusCancelled
	if paused {
		status = types.StatusPaused
	}

	c.setStatus(status, "")
	c.emit(nil)

	if paused || c.req.Resumable {
		if err := c.area.Close(); err != nil {
			utils.Debug("Transfer %s: closing staging: %v", c.req.ID, err)
		}
		_ = c.persist(ctx)
	} else {
		if err := c.area.Remove(); err != nil {
			utils.Debug("Transfer %s: removing staging: %v", c.req.ID, err)
		}
		c.forget(ctx)
	}
	c.file = nil
	c.closeSubscribers()

	if paused {
		utils.Debug("Transfer %s: paused at %d bytes", c.req.ID, c.State().BytesCompleted())
		return types.ErrResult(types.NewError(types.KindCancelled, errPaused, "transfer paused"))
	}
	utils.Debug("Transfer %s: cancelled", c.req.ID)
	return types.ErrResult(types.NewError(types.KindCancelled, nil, "transfer cancelled"))
}
