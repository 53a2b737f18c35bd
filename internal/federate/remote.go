package federate

import (
	"context"
	"sync"
	"sync/atomic"
)

// LoadState is the lifecycle of a Remote.
type LoadState int32

const (
	Idle LoadState = iota
	Pending
	Ready
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Loader fetches and decodes a module.
type Loader func(ctx context.Context) (*Module, error)

// Remote is a lazily loaded module. Nothing is fetched until the first Load
// or Wait; the outcome, success or failure, is kept for the handle's lifetime.
type Remote struct {
	key  string
	load Loader

	once  sync.Once
	state atomic.Int32
	done  chan struct{}

	mod *Module
	err error
}

func NewRemote(key string, load Loader) *Remote {
	return &Remote{key: key, load: load, done: make(chan struct{})}
}

// Key is the fingerprint the handle was created for.
func (r *Remote) Key() string { return r.key }

func (r *Remote) State() LoadState { return LoadState(r.state.Load()) }

// Done is closed once the handle is Ready or Failed.
func (r *Remote) Done() <-chan struct{} { return r.done }

// Load starts fetching in the background if it has not started yet. The
// fetch does not observe ctx cancellation: it runs to completion so that a
// disconnecting caller cannot leave it half done.
func (r *Remote) Load(ctx context.Context) {
	r.once.Do(func() {
		r.state.Store(int32(Pending))
		ctx := context.WithoutCancel(ctx)
		go func() {
			mod, err := r.load(ctx)
			r.mod, r.err = mod, err
			if err != nil {
				r.state.Store(int32(Failed))
			} else {
				r.state.Store(int32(Ready))
			}
			close(r.done)
		}()
	})
}

// Wait starts loading if needed and blocks until the module is available or
// ctx is done.
func (r *Remote) Wait(ctx context.Context) (*Module, error) {
	r.Load(ctx)
	select {
	case <-r.done:
		return r.mod, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
