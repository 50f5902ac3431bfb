package coordinator

import (
	"sync"
	"time"

	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

// startAggregator emits a snapshot every ProgressInterval, or sooner when
// ProgressByteThreshold bytes have accumulated. The returned stop function
// waits for the goroutine to exit.
func (c *Coordinator) startAggregator() func() {
	stop := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(c.runtime.GetProgressInterval())
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.emit(nil)
			case <-c.kick:
				c.emit(nil)
			}
		}
	}()

	return func() {
		close(stop)
		<-exited
	}
}

// emit publishes one snapshot. Only the aggregator goroutine, and the run
// goroutine after the aggregator stops, call it, so callbacks never overlap.
// total overrides the planned size on the final snapshot of a transfer whose
// length was unknown.
func (c *Coordinator) emit(total *int64) {
	c.pending.Store(0)
	now := time.Now()

	c.mu.Lock()
	done := c.state.BytesCompleted()
	if done < c.last.BytesCompleted {
		done = c.last.BytesCompleted
	}

	snap := types.ProgressSnapshot{
		TransferID:     c.req.ID,
		BytesCompleted: done,
		ChunksDone:     c.state.ChunksDone(),
		ChunksTotal:    len(c.state.Chunks),
		Elapsed:        now.Sub(c.startTime),
		Speed:          c.last.Speed,
	}
	switch {
	case total != nil:
		t := *total
		snap.BytesTotal = &t
	case c.state.Plan.KnownSize():
		t := c.state.Plan.TotalSize
		snap.BytesTotal = &t
	}

	if dt := now.Sub(c.lastEmit).Seconds(); !c.lastEmit.IsZero() && dt > 0 {
		instant := float64(done-c.last.BytesCompleted) / dt
		if c.last.Speed == 0 {
			snap.Speed = instant
		} else {
			alpha := c.runtime.GetSpeedEmaAlpha()
			snap.Speed = alpha*instant + (1-alpha)*c.last.Speed
		}
	}
	c.last = snap
	c.lastEmit = now

	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	cb := c.onProgress
	c.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

func (c *Coordinator) subscribe(buf int) (<-chan types.ProgressSnapshot, func()) {
	if buf <= 0 {
		buf = types.ProgressChannelBuffer
	}
	ch := make(chan types.ProgressSnapshot, buf)

	c.mu.Lock()
	if c.subsDone {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

func (c *Coordinator) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsDone = true
}
