package refresh

import "sync"

// Runner executes launched tasks.
type Runner interface {
	Go(fn func())
	Wait()
}

// AsyncRunner runs each task in its own goroutine.
type AsyncRunner struct {
	wg sync.WaitGroup
}

func (r *AsyncRunner) Go(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Wait blocks until every launched task returns.
func (r *AsyncRunner) Wait() { r.wg.Wait() }

// SyncRunner runs tasks inline. Tests use it to observe a refresh without
// racing a goroutine.
type SyncRunner struct{}

func (SyncRunner) Go(fn func()) { fn() }
func (SyncRunner) Wait()        {}
