package topology

import (
	"context"
	"errors"
	"sync"
)

// CompleteConfiguration waits for every registered exchange, queue, binding
// and consumer to finish initializing and joins every failure. Objects
// deleted while waiting are skipped.
func (c *Connection) CompleteConfiguration(ctx context.Context) error {
	exchanges, queues, bindings := c.snapshot()

	var waits []func() error
	for _, e := range exchanges {
		waits = append(waits, func() error { return e.Initialized(ctx) })
	}
	for _, q := range queues {
		waits = append(waits, func() error { return q.Initialized(ctx) })
		if q.HasConsumer() {
			waits = append(waits, func() error {
				_, err := q.ConsumerReady(ctx)
				var absent *ConsumerAbsentError
				if errors.As(err, &absent) {
					return nil
				}
				return err
			})
		}
	}
	for _, b := range bindings {
		waits = append(waits, func() error { return b.Initialized(ctx) })
	}

	return runAll(waits, func(err error) bool {
		return errors.Is(err, ErrInvalidated)
	})
}

// DeleteConfiguration stops every consumer, then deletes every binding, every
// queue and every exchange. Deletions within a step run concurrently; a
// failure never stops later deletions and every failure is reported.
func (c *Connection) DeleteConfiguration(ctx context.Context) error {
	exchanges, queues, bindings := c.snapshot()
	var errs []error

	var stops []func() error
	for _, q := range queues {
		if q.HasConsumer() {
			stops = append(stops, func() error { return q.StopConsumer(ctx) })
		}
	}
	errs = append(errs, runAll(stops, nil))

	var unbinds []func() error
	for _, b := range bindings {
		unbinds = append(unbinds, func() error { return b.Delete(ctx) })
	}
	errs = append(errs, runAll(unbinds, nil))

	var queueDeletes []func() error
	for _, q := range queues {
		queueDeletes = append(queueDeletes, func() error { return q.Delete(ctx) })
	}
	errs = append(errs, runAll(queueDeletes, nil))

	var exchangeDeletes []func() error
	for _, e := range exchanges {
		exchangeDeletes = append(exchangeDeletes, func() error { return e.Delete(ctx) })
	}
	errs = append(errs, runAll(exchangeDeletes, nil))

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Error("topology deletion incomplete", "error", err)
	}
	return err
}

// runAll runs fns concurrently and joins their errors, dropping those ignore
// accepts
func runAll(fns []func() error, ignore func(error) bool) error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && (ignore == nil || !ignore(err)) {
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
