package ingest

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/fleetcore/iotcore/internal/broker"
)

// Pool bounds how many deliveries Worker.Handle processes concurrently,
// mirroring the weighted-semaphore worker pool pattern used to size AMQP
// consumer concurrency (spec §4.2: "N ingest workers (default N=1,
// configurable)").
type Pool struct {
	worker      *Worker
	concurrency *semaphore.Weighted
}

// NewPool builds a Pool that runs at most workers deliveries through w.Handle
// at once. workers < 1 is treated as 1.
func NewPool(w *Worker, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{worker: w, concurrency: semaphore.NewWeighted(int64(workers))}
}

// HandlerFunc adapts the pool into the func(broker.Delivery) shape
// broker.Client.Start expects, acquiring a slot before each delivery is
// handed to a goroutine and releasing it once that delivery's processing
// completes. If ctx is cancelled while waiting for a slot, the delivery is
// left unacknowledged for the broker to redeliver.
func (p *Pool) HandlerFunc(ctx context.Context) func(broker.Delivery) {
	return func(d broker.Delivery) {
		if err := p.concurrency.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer p.concurrency.Release(1)
			p.worker.Handle(d)
		}()
	}
}
