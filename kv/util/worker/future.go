package worker

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// ErrCancelled is returned by jobs stopped through Future.Cancel.
var ErrCancelled = errors.New("background job cancelled")

// Future exposes completion, progress and cooperative cancellation of a background job. Cancelling stops a job at
// its next checkpoint and never undoes work it already finished.
type Future struct {
	done      chan struct{}
	once      sync.Once
	err       error
	steps     *atomic.Int64
	total     *atomic.Int64
	cancelled *atomic.Bool
}

func NewFuture() *Future {
	return &Future{
		done:      make(chan struct{}),
		steps:     atomic.NewInt64(0),
		total:     atomic.NewInt64(0),
		cancelled: atomic.NewBool(false),
	}
}

// SetProgress records that done out of total steps are finished.
func (f *Future) SetProgress(done, total int) {
	f.total.Store(int64(total))
	f.steps.Store(int64(done))
}

// Progress returns the finished percentage, 100 once the job completed.
func (f *Future) Progress() int {
	select {
	case <-f.done:
		return 100
	default:
	}
	total := f.total.Load()
	if total <= 0 {
		return 0
	}
	return int(f.steps.Load() * 100 / total)
}

func (f *Future) Cancel() {
	f.cancelled.Store(true)
}

// Cancelled is polled by jobs between steps.
func (f *Future) Cancelled() bool {
	return f.cancelled.Load()
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finished and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Completed returns a future that is already finished with err.
func Completed(err error) *Future {
	f := NewFuture()
	f.complete(err)
	return f
}
