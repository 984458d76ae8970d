package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/wer-inc/ripipi/pkg/clock"
)

// MockGateway is an in-memory Gateway for development and tests. Declines
// are scripted by amount so tests stay deterministic.
type MockGateway struct {
	mu      sync.Mutex
	intents map[string]*Intent
	// DeclineAmounts lists minor-unit amounts the gateway rejects
	DeclineAmounts map[int64]string
}

// NewMockGateway creates an empty mock gateway
func NewMockGateway() *MockGateway {
	return &MockGateway{
		intents:        make(map[string]*Intent),
		DeclineAmounts: make(map[int64]string),
	}
}

func (g *MockGateway) Name() string { return "mock" }

func (g *MockGateway) CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if reason, declined := g.DeclineAmounts[req.AmountMinor]; declined {
		return nil, fmt.Errorf("payment declined: %s", reason)
	}

	id := "pi_mock_" + clock.NewID()
	intent := &Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       IntentStatusRequiresAction,
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
	}
	g.intents[id] = intent

	cp := *intent
	return &cp, nil
}

func (g *MockGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (g *MockGateway) CancelIntent(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	intent.Status = IntentStatusCanceled
	return nil
}

func (g *MockGateway) Refund(ctx context.Context, req *RefundRequest) (*Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.intents[req.IntentID]; !ok {
		return nil, ErrIntentNotFound
	}
	return &Refund{ID: "re_mock_" + clock.NewID(), Status: "succeeded"}, nil
}

// Succeed marks an intent captured, standing in for the client-side
// confirmation a real gateway reports through its webhook
func (g *MockGateway) Succeed(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	intent.Status = IntentStatusSucceeded
	return nil
}

var _ Gateway = (*MockGateway)(nil)
