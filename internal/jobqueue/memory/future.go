package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/site-auditor/internal/jobqueue"
)

type future struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result []byte
	err    error
}

func newFuture(id string) *future {
	return &future{id: id, done: make(chan struct{})}
}

func (f *future) ID() string { return f.id }

func (f *future) AwaitResult(ctx context.Context, wait time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-f.done:
		return f.result, f.err
	case <-expired:
		return nil, fmt.Errorf("job %s: %w", f.id, jobqueue.ErrAwaitTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("await job %s: %w", f.id, ctx.Err())
	}
}

func (f *future) resolve(result []byte, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}
