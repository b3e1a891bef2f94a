package forwarder

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"gridrelay/internal/queue"
)

// Pool fans out queue consumption across a fixed number of workers. Each
// worker owns its own long-poll loop against the shared queue; SQS message
// group ordering keeps deliveries for the same sheet serialized regardless of
// how many workers run.
type Pool struct {
	newConsumer func() *queue.Consumer
	handler     queue.Handler
	workers     int
	logger      *slog.Logger
}

// NewPool builds a pool of size workers. newConsumer is called once per
// worker so each loop gets its own consumer.
func NewPool(newConsumer func() *queue.Consumer, handler queue.Handler, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		newConsumer: newConsumer,
		handler:     handler,
		workers:     workers,
		logger:      logger,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has drained its in-flight delivery.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	p.logger.InfoContext(ctx, "starting forwarder pool", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		worker := i
		consumer := p.newConsumer()
		g.Go(func() error {
			p.logger.InfoContext(ctx, "worker started", "worker", worker)
			consumer.Run(ctx, p.handler)
			p.logger.InfoContext(ctx, "worker stopped", "worker", worker)
			return nil
		})
	}

	return g.Wait()
}
