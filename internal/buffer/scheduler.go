package buffer

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// flushScheduler runs the engine's single recurring background flush
// task. Its next deadline is recomputed from the age of the oldest shard
// after each firing, and again after every insert so a freshly opened
// shard flushes within a bounded time even with no further writes.
type flushScheduler struct {
	engine *Engine

	mu     sync.Mutex
	timer  *time.Timer
	active bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newFlushScheduler(e *Engine) *flushScheduler {
	return &flushScheduler{engine: e}
}

// Start activates the task and schedules it immediately.
func (f *flushScheduler) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return
	}
	f.active = true
	f.timer = time.NewTimer(0)
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run()
}

// Stop deactivates the task and waits for an in-flight firing to finish.
func (f *flushScheduler) Stop() {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return
	}
	f.active = false
	close(f.stopCh)
	f.timer.Stop()
	f.mu.Unlock()
	<-f.doneCh
}

func (f *flushScheduler) run() {
	defer close(f.doneCh)
	for {
		select {
		case <-f.timer.C:
			f.fire()
			f.Reschedule()
		case <-f.stopCh:
			return
		}
	}
}

// fire flushes every shard past its thresholds, logging failures and
// continuing: a failed shard keeps its rows and is retried next time.
func (f *flushScheduler) fire() {
	e := f.engine
	for i, s := range e.shards {
		if err := e.flushShard(context.Background(), s, true, false); err != nil {
			log.Printf("buffer %s: background flush of shard %d failed: %v", e.ref, i, err)
		}
	}
}

// Reschedule recomputes the next deadline from the oldest shard. With no
// buffered rows the task is left unscheduled; the next insert reschedules.
func (f *flushScheduler) Reschedule() {
	e := f.engine

	var oldest int64 = math.MaxInt64
	rows := 0
	for _, s := range e.shards {
		s.mu.Lock()
		if s.firstWrite != 0 && s.firstWrite < oldest {
			oldest = s.firstWrite
		}
		rows += s.rows()
		s.mu.Unlock()
	}

	if rows == 0 {
		return
	}

	age := time.Now().Unix() - oldest
	untilMin := maxInt64(e.minThresholds.TimeSeconds-age, 1)
	untilMax := maxInt64(e.maxThresholds.TimeSeconds-age, 1)
	delay := minInt64(untilMin, untilMax)

	f.mu.Lock()
	if f.active {
		f.timer.Reset(time.Duration(delay) * time.Second)
	}
	f.mu.Unlock()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
