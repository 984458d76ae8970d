package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/retry"
)

const (
	stepBackoffBase = 100 * time.Millisecond
	stepBackoffMax  = 2 * time.Second
)

// Orchestrator runs saga definitions: forward through every step, and on
// failure backward through the completed steps' compensations
type Orchestrator struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	store       Store
	clock       clock.Clock
	log         *logger.Logger
}

// NewOrchestrator creates an orchestrator backed by the given store
func NewOrchestrator(store Store, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.System()
	}
	return &Orchestrator{
		definitions: make(map[string]*Definition),
		store:       store,
		clock:       clk,
		log:         logger.Get().Named("saga"),
	}
}

// Register adds a definition. Registering the same name twice is a
// programming error and is rejected.
func (o *Orchestrator) Register(def *Definition) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.definitions[def.Name]; exists {
		return fmt.Errorf("saga definition already registered: %s", def.Name)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("saga definition has no steps: %s", def.Name)
	}
	o.definitions[def.Name] = def
	return nil
}

// Definition returns a registered definition by name
func (o *Orchestrator) Definition(name string) (*Definition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	def, exists := o.definitions[name]
	if !exists {
		return nil, fmt.Errorf("saga definition not registered: %s", name)
	}
	return def, nil
}

// Execute runs a new instance of the named definition with the given
// initial state. On step failure it compensates completed steps in
// reverse order and returns the original failure wrapped.
func (o *Orchestrator) Execute(ctx context.Context, tenantID, name string, initial State) (*Instance, error) {
	def, err := o.Definition(name)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	instance := &Instance{
		ID:         clock.NewID(),
		Definition: def.Name,
		TenantID:   tenantID,
		Status:     StatusPending,
		State:      initial,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if instance.State == nil {
		instance.State = make(State)
	}

	if err := o.store.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save saga instance: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	return o.run(ctx, def, instance, 0)
}

// Resume picks up an interrupted instance. Pending and running sagas
// continue forward from the step after the last completed one; failed and
// compensating sagas finish their rollback.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*Instance, error) {
	instance, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	def, err := o.Definition(instance.Definition)
	if err != nil {
		return nil, err
	}

	switch instance.Status {
	case StatusPending, StatusRunning:
		o.log.InfoContext(ctx, "resuming saga", "saga_id", instance.ID, "from_step", instance.CurrentStep)
		ctx, cancel := context.WithTimeout(ctx, def.Timeout)
		defer cancel()
		return o.run(ctx, def, instance, instance.CurrentStep)
	case StatusFailed, StatusCompensating:
		return o.compensate(ctx, def, instance, errors.New(instance.Error))
	case StatusCompleted, StatusCompensated:
		return instance, nil
	default:
		return nil, fmt.Errorf("unknown saga status: %s", instance.Status)
	}
}

// Instance retrieves a saga instance by ID
func (o *Orchestrator) Instance(ctx context.Context, id string) (*Instance, error) {
	return o.store.Get(ctx, id)
}

// run executes steps from the given index forward
func (o *Orchestrator) run(ctx context.Context, def *Definition, instance *Instance, from int) (*Instance, error) {
	instance.SetStatus(StatusRunning, o.clock.Now())
	if err := o.store.Update(ctx, instance); err != nil {
		o.log.ErrorContext(ctx, "failed to update saga status", "saga_id", instance.ID, "error", err)
	}

	var runErr error

	for i := from; i < len(def.Steps); i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		step := def.Steps[i]
		instance.CurrentStep = i

		if completedBefore(instance, step.Name) {
			continue
		}

		result, err := o.runStep(ctx, step, instance)
		instance.AddStepResult(result)
		if err == nil && result.Output != nil {
			instance.MergeState(result.Output)
		}

		if updateErr := o.store.Update(ctx, instance); updateErr != nil {
			o.log.ErrorContext(ctx, "failed to persist saga step", "saga_id", instance.ID, "step", step.Name, "error", updateErr)
		}

		if err != nil {
			runErr = err
			o.log.ErrorContext(ctx, "saga step failed", "saga_id", instance.ID, "step", step.Name, "error", err)
			break
		}
	}

	if runErr != nil {
		instance.SetError(runErr, o.clock.Now())
		return o.compensate(ctx, def, instance, runErr)
	}

	instance.Complete(o.clock.Now())
	if err := o.store.Update(ctx, instance); err != nil {
		o.log.ErrorContext(ctx, "failed to update completed saga", "saga_id", instance.ID, "error", err)
	}

	o.log.InfoContext(ctx, "saga completed", "saga_id", instance.ID, "definition", def.Name)
	return instance, nil
}

// runStep executes one step with its timeout and retry budget. Errors
// marked retry.Permanent fail the step without spending the budget.
func (o *Orchestrator) runStep(ctx context.Context, step *Step, instance *Instance) (*StepResult, error) {
	result := &StepResult{
		StepName:  step.Name,
		Status:    StepStatusRunning,
		StartedAt: o.clock.Now(),
	}

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	maxRetries := step.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	retrier := retry.New(&retry.Config{
		MaxRetries:      maxRetries,
		InitialInterval: stepBackoffBase,
		MaxInterval:     stepBackoffMax,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	})

	var output State
	res := retrier.DoWithCallback(stepCtx, func(c context.Context) error {
		out, err := step.Run(c, instance.Snapshot())
		if err != nil {
			return err
		}
		output = out
		return nil
	}, func(attempt int, err error, next time.Duration) {
		o.log.InfoContext(ctx, "retrying saga step",
			"saga_id", instance.ID, "step", step.Name, "attempt", attempt+1, "backoff", next, "error", err)
	})

	if res.Err == nil {
		result.Status = StepStatusCompleted
		result.Output = output
		result.FinishedAt = o.clock.Now()
		result.Duration = result.FinishedAt.Sub(result.StartedAt)
		return result, nil
	}

	stepErr := res.LastError
	if stepErr == nil {
		stepErr = res.Err
	}
	result.Status = StepStatusFailed
	result.Error = stepErr.Error()
	result.FinishedAt = o.clock.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	return result, stepErr
}

// compensate rolls back completed steps in reverse order. Compensation
// failures are logged and skipped so later compensations still run. The
// causing step error is wrapped so callers can match it with errors.Is.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, instance *Instance, cause error) (*Instance, error) {
	// Rollback must still run after the forward deadline fired, so
	// compensations get a detached context with fresh per-step timeouts.
	rollbackCtx := context.WithoutCancel(ctx)

	instance.SetStatus(StatusCompensating, o.clock.Now())
	if err := o.store.Update(rollbackCtx, instance); err != nil {
		o.log.ErrorContext(ctx, "failed to update saga status", "saga_id", instance.ID, "error", err)
	}

	o.log.InfoContext(ctx, "compensating saga", "saga_id", instance.ID, "steps", len(instance.StepResults))

	compensationFailed := false
	for i := len(instance.StepResults) - 1; i >= 0; i-- {
		stepResult := instance.StepResults[i]
		if stepResult.Status != StepStatusCompleted {
			continue
		}

		step := def.step(stepResult.StepName)
		if step == nil || step.Compensate == nil {
			continue
		}

		stepResult.Status = o.compensateStep(rollbackCtx, step, instance, stepResult)
		if stepResult.Status != StepStatusCompensated {
			compensationFailed = true
			o.log.ErrorContext(ctx, "saga compensation failed", "saga_id", instance.ID, "step", step.Name, "error", stepResult.Error)
		}

		if err := o.store.Update(rollbackCtx, instance); err != nil {
			o.log.ErrorContext(ctx, "failed to persist saga compensation", "saga_id", instance.ID, "error", err)
		}
	}

	final := StatusCompensated
	if compensationFailed {
		final = StatusFailed
	}
	instance.Finish(final, o.clock.Now())
	if err := o.store.Update(rollbackCtx, instance); err != nil {
		o.log.ErrorContext(ctx, "failed to update compensated saga", "saga_id", instance.ID, "error", err)
	}

	if compensationFailed {
		return instance, fmt.Errorf("saga compensation incomplete after failure: %w", cause)
	}
	return instance, fmt.Errorf("saga compensated after failure: %w", cause)
}

// compensateStep runs one compensation under the step timeout
func (o *Orchestrator) compensateStep(ctx context.Context, step *Step, instance *Instance, result *StepResult) StepStatus {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	if err := step.Compensate(stepCtx, instance.Snapshot()); err != nil {
		result.Error = err.Error()
		return StepStatusFailed
	}
	return StepStatusCompensated
}

func completedBefore(instance *Instance, stepName string) bool {
	for _, result := range instance.StepResults {
		if result.StepName == stepName && result.Status == StepStatusCompleted {
			return true
		}
	}
	return false
}
