package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/retry"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewOrchestrator(store, clock.System()), store
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var order []string
	def := NewDefinition("order-test").
		AddStep(&Step{
			Name: "first",
			Run: func(ctx context.Context, state State) (State, error) {
				order = append(order, "first")
				return State{"a": 1}, nil
			},
		}).
		AddStep(&Step{
			Name: "second",
			Run: func(ctx context.Context, state State) (State, error) {
				order = append(order, "second")
				assert.Equal(t, 1, state["a"])
				return State{"b": 2}, nil
			},
		})
	require.NoError(t, o.Register(def))

	instance, err := o.Execute(context.Background(), "t1", "order-test", State{"seed": "x"})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, StatusCompleted, instance.Status)
	require.NotNil(t, instance.CompletedAt)

	state := instance.Snapshot()
	assert.Equal(t, "x", state["seed"])
	assert.Equal(t, 1, state["a"])
	assert.Equal(t, 2, state["b"])
}

func TestExecuteCompensatesInReverseOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var compensated []string
	def := NewDefinition("rollback-test").
		AddStep(&Step{
			Name: "reserve",
			Run: func(ctx context.Context, state State) (State, error) {
				return State{"reserved": true}, nil
			},
			Compensate: func(ctx context.Context, state State) error {
				compensated = append(compensated, "reserve")
				return nil
			},
		}).
		AddStep(&Step{
			Name: "charge",
			Run: func(ctx context.Context, state State) (State, error) {
				return State{"charged": true}, nil
			},
			Compensate: func(ctx context.Context, state State) error {
				compensated = append(compensated, "charge")
				return nil
			},
		}).
		AddStep(&Step{
			Name: "notify",
			Run: func(ctx context.Context, state State) (State, error) {
				return nil, errors.New("provider down")
			},
		})
	require.NoError(t, o.Register(def))

	instance, err := o.Execute(context.Background(), "t1", "rollback-test", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")

	assert.Equal(t, []string{"charge", "reserve"}, compensated)
	assert.Equal(t, StatusCompensated, instance.Status)
	assert.Equal(t, "provider down", instance.Error)
}

func TestExecuteRetriesStep(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	attempts := 0
	def := NewDefinition("retry-test").
		AddStep(&Step{
			Name:       "flaky",
			MaxRetries: 2,
			Run: func(ctx context.Context, state State) (State, error) {
				attempts++
				if attempts < 3 {
					return nil, errors.New("transient")
				}
				return State{"done": true}, nil
			},
		})
	require.NoError(t, o.Register(def))

	instance, err := o.Execute(context.Background(), "t1", "retry-test", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StatusCompleted, instance.Status)
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	attempts := 0
	def := NewDefinition("budget-test").
		AddStep(&Step{
			Name:       "broken",
			MaxRetries: 1,
			Run: func(ctx context.Context, state State) (State, error) {
				attempts++
				return nil, errors.New("still broken")
			},
		})
	require.NoError(t, o.Register(def))

	instance, err := o.Execute(context.Background(), "t1", "budget-test", nil)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, StatusCompensated, instance.Status)
}

func TestCompensationFailureDoesNotBlockEarlierSteps(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var compensated []string
	def := NewDefinition("partial-rollback").
		AddStep(&Step{
			Name: "one",
			Run:  func(ctx context.Context, state State) (State, error) { return nil, nil },
			Compensate: func(ctx context.Context, state State) error {
				compensated = append(compensated, "one")
				return nil
			},
		}).
		AddStep(&Step{
			Name: "two",
			Run:  func(ctx context.Context, state State) (State, error) { return nil, nil },
			Compensate: func(ctx context.Context, state State) error {
				return errors.New("undo failed")
			},
		}).
		AddStep(&Step{
			Name: "three",
			Run: func(ctx context.Context, state State) (State, error) {
				return nil, errors.New("boom")
			},
		})
	require.NoError(t, o.Register(def))

	instance, err := o.Execute(context.Background(), "t1", "partial-rollback", nil)
	require.Error(t, err)

	// step two's compensation failed but step one's still ran
	assert.Equal(t, []string{"one"}, compensated)

	var twoStatus StepStatus
	for _, r := range instance.StepResults {
		if r.StepName == "two" {
			twoStatus = r.Status
		}
	}
	assert.Equal(t, StepStatusFailed, twoStatus)

	// an incomplete rollback must not report the saga as compensated
	assert.Equal(t, StatusFailed, instance.Status)
	assert.Contains(t, err.Error(), "compensation incomplete")
}

func TestCompensationSurvivesSagaTimeout(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var compensated []string
	def := NewDefinition("deadline-rollback").
		AddStep(&Step{
			Name:    "reserve",
			Timeout: time.Second,
			Run: func(ctx context.Context, state State) (State, error) {
				return State{"reserved": true}, nil
			},
			Compensate: func(ctx context.Context, state State) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				compensated = append(compensated, "reserve")
				return nil
			},
		}).
		AddStep(&Step{
			Name:    "stall",
			Timeout: time.Second,
			Run: func(ctx context.Context, state State) (State, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}).
		WithTimeout(50 * time.Millisecond)
	require.NoError(t, o.Register(def))

	instance, err := o.Execute(context.Background(), "t1", "deadline-rollback", nil)
	require.Error(t, err)

	// the saga deadline fired, but the rollback ran on a live context
	assert.Equal(t, []string{"reserve"}, compensated)
	assert.Equal(t, StatusCompensated, instance.Status)
}

func TestPermanentStepErrorSkipsRetries(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	attempts := 0
	def := NewDefinition("permanent-test").
		AddStep(&Step{
			Name:       "rejected",
			MaxRetries: 3,
			Run: func(ctx context.Context, state State) (State, error) {
				attempts++
				return nil, retry.Permanent(errors.New("card declined"))
			},
		})
	require.NoError(t, o.Register(def))

	instance, err := o.Execute(context.Background(), "t1", "permanent-test", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "card declined")
	assert.Equal(t, 1, attempts)
	assert.Equal(t, StatusCompensated, instance.Status)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	def := NewDefinition("dup").AddStep(&Step{
		Name: "noop",
		Run:  func(ctx context.Context, state State) (State, error) { return nil, nil },
	})
	require.NoError(t, o.Register(def))
	assert.Error(t, o.Register(def))
}

func TestRegisterRejectsEmptyDefinition(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	assert.Error(t, o.Register(NewDefinition("empty")))
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	o, store := newTestOrchestrator(t)

	runs := map[string]int{}
	var mu sync.Mutex
	count := func(name string) {
		mu.Lock()
		runs[name]++
		mu.Unlock()
	}

	def := NewDefinition("resume-test").
		AddStep(&Step{
			Name: "done-already",
			Run: func(ctx context.Context, state State) (State, error) {
				count("done-already")
				return nil, nil
			},
		}).
		AddStep(&Step{
			Name: "remaining",
			Run: func(ctx context.Context, state State) (State, error) {
				count("remaining")
				return nil, nil
			},
		})
	require.NoError(t, o.Register(def))

	// simulate a crash after the first step completed
	now := time.Now()
	interrupted := &Instance{
		ID:         clock.NewID(),
		Definition: "resume-test",
		TenantID:   "t1",
		Status:     StatusRunning,
		State:      State{},
		StepResults: []*StepResult{
			{StepName: "done-already", Status: StepStatusCompleted, StartedAt: now, FinishedAt: now},
		},
		CurrentStep: 0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.Save(context.Background(), interrupted))

	instance, err := o.Resume(context.Background(), interrupted.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Equal(t, 0, runs["done-already"])
	assert.Equal(t, 1, runs["remaining"])
}

func TestResumeFinishedSagaIsNoOp(t *testing.T) {
	o, store := newTestOrchestrator(t)

	def := NewDefinition("finished").AddStep(&Step{
		Name: "noop",
		Run:  func(ctx context.Context, state State) (State, error) { return nil, nil },
	})
	require.NoError(t, o.Register(def))

	now := time.Now()
	done := &Instance{
		ID:          clock.NewID(),
		Definition:  "finished",
		TenantID:    "t1",
		Status:      StatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	require.NoError(t, store.Save(context.Background(), done))

	instance, err := o.Resume(context.Background(), done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, instance.Status)
}

func TestExecuteUnknownDefinition(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Execute(context.Background(), "t1", "nope", nil)
	assert.Error(t, err)
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()

	now := time.Now()
	instance := &Instance{
		ID:        clock.NewID(),
		Status:    StatusPending,
		State:     State{"k": "v"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Save(context.Background(), instance))

	got, err := store.Get(context.Background(), instance.ID)
	require.NoError(t, err)

	// mutating the returned copy must not touch the stored one
	got.State["k"] = "changed"
	again, err := store.Get(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.State["k"])

	assert.ErrorIs(t, store.Save(context.Background(), instance), ErrInstanceExists)
	require.NoError(t, store.Delete(context.Background(), instance.ID))
	_, err = store.Get(context.Background(), instance.ID)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.Equal(t, 0, store.Count())
}

func TestListInterrupted(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	for _, st := range []Status{StatusCompleted, StatusFailed, StatusCompensating} {
		require.NoError(t, store.Save(context.Background(), &Instance{
			ID:        clock.NewID(),
			Status:    st,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	got, err := store.ListInterrupted(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
