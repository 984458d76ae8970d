package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Status represents the lifecycle state of a saga instance
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// StepStatus represents the state of a single step execution
type StepStatus string

const (
	StepStatusPending      StepStatus = "pending"
	StepStatusRunning      StepStatus = "running"
	StepStatusCompleted    StepStatus = "completed"
	StepStatusFailed       StepStatus = "failed"
	StepStatusCompensating StepStatus = "compensating"
	StepStatusCompensated  StepStatus = "compensated"
)

// State is the shared key/value bag a saga threads through its steps.
// Steps return the keys they produced; the orchestrator merges them in.
type State map[string]interface{}

// RunFunc executes a forward step. It receives the accumulated state and
// returns the keys it adds or overwrites.
type RunFunc func(ctx context.Context, state State) (State, error)

// CompensateFunc undoes a completed step during rollback
type CompensateFunc func(ctx context.Context, state State) error

// Step is one unit of work inside a saga definition
type Step struct {
	Name       string
	Run        RunFunc
	Compensate CompensateFunc
	Timeout    time.Duration
	MaxRetries int
}

// Definition is an ordered, reusable saga blueprint
type Definition struct {
	Name    string
	Steps   []*Step
	Timeout time.Duration
}

const (
	defaultSagaTimeout = 5 * time.Minute
	defaultStepTimeout = 30 * time.Second
)

// NewDefinition creates a saga definition with default timeouts
func NewDefinition(name string) *Definition {
	return &Definition{
		Name:    name,
		Timeout: defaultSagaTimeout,
	}
}

// AddStep appends a step, applying the default step timeout when unset
func (d *Definition) AddStep(step *Step) *Definition {
	if step.Timeout == 0 {
		step.Timeout = defaultStepTimeout
	}
	d.Steps = append(d.Steps, step)
	return d
}

// WithTimeout overrides the overall saga timeout
func (d *Definition) WithTimeout(timeout time.Duration) *Definition {
	d.Timeout = timeout
	return d
}

// step returns the step definition by name, nil when absent
func (d *Definition) step(name string) *Step {
	for _, s := range d.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// StepResult records one step attempt on an instance
type StepResult struct {
	StepName   string        `json:"stepName"`
	Status     StepStatus    `json:"status"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
	Output     State         `json:"output,omitempty"`
}

// Instance is one running (or finished) execution of a definition.
// Mutators are safe for concurrent use.
type Instance struct {
	mu sync.RWMutex

	ID          string        `json:"id"`
	Definition  string        `json:"definition"`
	TenantID    string        `json:"tenantId"`
	Status      Status        `json:"status"`
	State       State         `json:"state"`
	StepResults []*StepResult `json:"stepResults"`
	CurrentStep int           `json:"currentStep"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// SetStatus transitions the instance status
func (i *Instance) SetStatus(status Status, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Status = status
	i.UpdatedAt = now
}

// AddStepResult appends a step attempt record
func (i *Instance) AddStepResult(result *StepResult) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.StepResults = append(i.StepResults, result)
	i.UpdatedAt = result.FinishedAt
}

// MergeState folds step output into the shared state
func (i *Instance) MergeState(out State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.State == nil {
		i.State = make(State, len(out))
	}
	for k, v := range out {
		i.State[k] = v
	}
}

// Snapshot returns a copy of the current state for a step to read
func (i *Instance) Snapshot() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(State, len(i.State))
	for k, v := range i.State {
		out[k] = v
	}
	return out
}

// SetError records the failure that triggered compensation
func (i *Instance) SetError(err error, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Error = err.Error()
	i.Status = StatusFailed
	i.UpdatedAt = now
}

// Complete marks the instance as successfully finished
func (i *Instance) Complete(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Status = StatusCompleted
	i.CompletedAt = &now
	i.UpdatedAt = now
}

// Finish stamps a terminal status and completion time
func (i *Instance) Finish(status Status, now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Status = status
	i.CompletedAt = &now
	i.UpdatedAt = now
}

// ToJSON serializes the instance for durable stores
func (i *Instance) ToJSON() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return json.Marshal(i)
}

// FromJSON deserializes an instance
func FromJSON(data []byte) (*Instance, error) {
	var instance Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga instance: %w", err)
	}
	return &instance, nil
}
