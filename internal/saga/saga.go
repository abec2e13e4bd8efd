package saga

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Step is one stage of a finalization pipeline. Compensate is optional and
// runs when a later step fails.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Runner executes steps sequentially and compensates completed steps in
// reverse order when one fails.
type Runner struct {
	logger  *zap.Logger
	timeout time.Duration
}

// NewRunner creates a saga runner. timeout bounds one whole run.
func NewRunner(logger *zap.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Runner{logger: logger, timeout: timeout}
}

// Run executes the steps. The returned error is the failing step's error;
// compensation failures are logged, never returned.
func (r *Runner) Run(ctx context.Context, name string, steps []Step) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	for i, step := range steps {
		if err := step.Execute(ctx); err != nil {
			r.logger.Error("Saga step failed",
				zap.String("saga", name),
				zap.String("step", step.Name),
				zap.Error(err))
			r.compensate(ctx, name, steps[:i])
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
		r.logger.Debug("Saga step completed",
			zap.String("saga", name),
			zap.String("step", step.Name))
	}

	r.logger.Info("Saga completed",
		zap.String("saga", name),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (r *Runner) compensate(ctx context.Context, name string, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			r.logger.Error("Saga compensation failed",
				zap.String("saga", name),
				zap.String("step", step.Name),
				zap.Error(err))
			continue
		}
		r.logger.Info("Saga step compensated",
			zap.String("saga", name),
			zap.String("step", step.Name))
	}
}
