package parallel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Task is a named unit of work run under a shared context.
type Task struct {
	Name string
	Run  func(context.Context) error
}

// RunAll starts every task and waits for all of them to return.
// The first task to fail cancels the context handed to its siblings; its error is
// returned prefixed with the task name.
func RunAll(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		if task.Run == nil {
			continue
		}
		group.Go(func() error {
			if err := task.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", task.Name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// ForEach runs fn for every item, honouring the provided concurrency limit.
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) error {
	if fn == nil || len(items) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	for _, item := range items {
		group.Go(func() error {
			return fn(ctx, item)
		})
	}
	return group.Wait()
}
