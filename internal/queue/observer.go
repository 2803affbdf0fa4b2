package queue

import "time"

// Observer receives Job lifecycle notifications. OnEnqueue runs on the
// submitting goroutine while the queue lock is held; OnStart and OnFinish
// run on the worker. Implementations must not block or call back into the
// queue.
type Observer interface {
	OnEnqueue(queue, jobID string, depth int)
	OnStart(queue, jobID string)
	OnFinish(queue, jobID string, elapsed time.Duration, err error)
}

// Observers fans notifications out in order.
type Observers []Observer

func (o Observers) OnEnqueue(queue, jobID string, depth int) {
	for _, ob := range o {
		ob.OnEnqueue(queue, jobID, depth)
	}
}

func (o Observers) OnStart(queue, jobID string) {
	for _, ob := range o {
		ob.OnStart(queue, jobID)
	}
}

func (o Observers) OnFinish(queue, jobID string, elapsed time.Duration, err error) {
	for _, ob := range o {
		ob.OnFinish(queue, jobID, elapsed, err)
	}
}

type nopObserver struct{}

func (nopObserver) OnEnqueue(string, string, int)                 {}
func (nopObserver) OnStart(string, string)                        {}
func (nopObserver) OnFinish(string, string, time.Duration, error) {}
