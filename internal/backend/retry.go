package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskbridge/taskbridge/internal/task"
)

// retryMaxElapsed bounds the total time spent retrying one backend call.
const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// Retrying decorates a Backend with exponential-backoff retry for
// transient (network-kind) failures. All other error kinds pass through
// immediately. The decorator is transparent: it reports the wrapped
// backend's ID.
type Retrying struct {
	inner Backend
}

// WithRetry wraps b so network-kind failures are retried with backoff.
func WithRetry(b Backend) *Retrying {
	return &Retrying{inner: b}
}

// ID returns the wrapped backend's participant id.
func (r *Retrying) ID() string { return r.inner.ID() }

func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var result T
	bo := newRetryBackoff()
	err := backoff.Retry(func() error {
		var err error
		result, err = op()
		if err == nil {
			return nil
		}
		if Categorize(err) == KindNetwork {
			return err // transient, backoff retries
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	return result, err
}

func (r *Retrying) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return retry(ctx, func() ([]*task.Task, error) { return r.inner.ListTasks(ctx) })
}

func (r *Retrying) GetTask(ctx context.Context, gid string) (*task.Task, error) {
	return retry(ctx, func() (*task.Task, error) { return r.inner.GetTask(ctx, gid) })
}

func (r *Retrying) CreateTask(ctx context.Context, req CreateRequest) (*task.Task, error) {
	return retry(ctx, func() (*task.Task, error) { return r.inner.CreateTask(ctx, req) })
}

func (r *Retrying) UpdateTask(ctx context.Context, gid string, update *task.Update) (*task.Task, error) {
	return retry(ctx, func() (*task.Task, error) { return r.inner.UpdateTask(ctx, gid, update) })
}

func (r *Retrying) DeleteTask(ctx context.Context, gid string) error {
	_, err := retry(ctx, func() (struct{}, error) { return struct{}{}, r.inner.DeleteTask(ctx, gid) })
	return err
}

func (r *Retrying) ListTags(ctx context.Context) ([]*task.Tag, error) {
	return retry(ctx, func() ([]*task.Tag, error) { return r.inner.ListTags(ctx) })
}

func (r *Retrying) CreateTag(ctx context.Context, name string) (*task.Tag, error) {
	return retry(ctx, func() (*task.Tag, error) { return r.inner.CreateTag(ctx, name) })
}

func (r *Retrying) ListSections(ctx context.Context) ([]*task.Section, error) {
	return retry(ctx, func() ([]*task.Section, error) { return r.inner.ListSections(ctx) })
}

func (r *Retrying) CreateSection(ctx context.Context, name string) (*task.Section, error) {
	return retry(ctx, func() (*task.Section, error) { return r.inner.CreateSection(ctx, name) })
}
