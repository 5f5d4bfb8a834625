package server

import "sync/atomic"

// RunState gates new connections and new aggregate requests.
type RunState struct {
	running atomic.Bool
}

func (r *RunState) Start() {
	r.running.Store(true)
}

func (r *RunState) Stop() {
	r.running.Store(false)
}

func (r *RunState) IsRunning() bool {
	return r.running.Load()
}
