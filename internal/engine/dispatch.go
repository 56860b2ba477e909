package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts the configured number of workers, each looping
// poll -> handle -> ack, and blocks until ctx is done. Workers share
// nothing but the queue and the store; correctness does not depend on the
// pool size.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			e.workerLoop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	log := e.log.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		d, err := e.queue.Poll()
		if err != nil {
			log.Error().Err(err).Msg("poll failed")
			if !sleep(ctx, e.cfg.PollInterval) {
				return
			}
			continue
		}
		if d == nil {
			if !sleep(ctx, e.cfg.PollInterval) {
				return
			}
			continue
		}

		if d.Attempt > 1 {
			log.Warn().
				Str("kind", string(d.Message.Kind())).
				Str("execution_id", d.Message.Header().ExecutionID).
				Int("attempt", d.Attempt).
				Msg("redelivered message")
		}

		if herr := e.Handle(ctx, d.Message); herr != nil {
			// Transient fault: hand the message back for redelivery.
			if nerr := e.queue.Nack(d.Token); nerr != nil {
				log.Error().Err(nerr).Msg("nack failed")
			}
			continue
		}
		if aerr := e.queue.Ack(d.Token); aerr != nil {
			log.Error().Err(aerr).Msg("ack failed")
		}
	}
}

// Submit stores a freshly built execution and enqueues its StartExecution
// message.
func (e *Engine) Submit(exec *Execution) error {
	if exec == nil {
		return fmt.Errorf("nil execution")
	}
	if err := e.store.Store(exec); err != nil {
		return fmt.Errorf("store execution %s: %w", exec.ID, err)
	}
	return e.queue.Push(&StartExecutionMessage{MessageHeader: MessageHeader{
		ExecutionType: exec.Type,
		ExecutionID:   exec.ID,
		Application:   exec.Application,
	}})
}

// RunUntilTerminal drives the worker pool until the execution reaches a
// terminal status or ctx ends, and returns the final execution state.
func (e *Engine) RunUntilTerminal(ctx context.Context, typ ExecutionType, id string) (*Execution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return e.Run(runCtx)
	})

	var final *Execution
	g.Go(func() error {
		defer cancel()
		for {
			exec, err := e.store.Retrieve(typ, id)
			if err != nil {
				return fmt.Errorf("retrieve execution %s: %w", id, err)
			}
			if IsExecutionTerminal(exec.Status) {
				final = exec
				return nil
			}
			if !sleep(runCtx, e.cfg.PollInterval) {
				final = exec
				return runCtx.Err()
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled && final != nil && IsExecutionTerminal(final.Status) {
		err = nil
	}
	return final, err
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
