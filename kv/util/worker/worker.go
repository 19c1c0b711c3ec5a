package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

type Task interface{}

type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				log.Debug("worker stopped", zap.String("worker", w.name))
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

// Submit schedules run on the worker and returns the future tracking it. The worker must have been started with a
// JobHandler, or a handler that delegates *Job tasks to one.
func (w *Worker) Submit(name string, run func(f *Future) error) *Future {
	f := NewFuture()
	w.sender <- &Job{Name: name, Run: run, Future: f}
	return f
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}

// Job is a unit of background work such as a flush, a purge or a WAL replay.
type Job struct {
	Name   string
	Run    func(f *Future) error
	Future *Future
}

// JobHandler runs every *Job it receives and ignores other tasks.
type JobHandler struct{}

func (JobHandler) Handle(t Task) {
	job, ok := t.(*Job)
	if !ok {
		log.Warn("unexpected task type", zap.Any("task", t))
		return
	}
	RunJob(job)
}

// RunJob executes job in the calling goroutine and completes its future.
func RunJob(job *Job) {
	if job.Future.Cancelled() {
		job.Future.complete(ErrCancelled)
		return
	}
	err := job.Run(job.Future)
	if err != nil {
		log.Warn("background job failed", zap.String("job", job.Name), zap.Error(err))
	}
	job.Future.complete(err)
}
