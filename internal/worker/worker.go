package worker

import "context"

// Worker is a long-running background process owned by a service. Run blocks
// until the context is cancelled or a fatal error occurs; nil and
// context.Canceled both mean a graceful stop.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a plain function into a named Worker.
type Func struct {
	WorkerName string
	RunFunc    func(ctx context.Context) error
}

var _ Worker = &Func{}

func (f *Func) Name() string { return f.WorkerName }

func (f *Func) Run(ctx context.Context) error { return f.RunFunc(ctx) }
