package orchestrator

import "context"

// Task is the handle of work running in the background. Abandoning it does
// not cancel the work.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the work has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err is the work's result. It is nil until Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the work finishes or ctx ends. Giving up on ctx leaves
// the work running.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
