package proxy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/vnmchuo/ensemble-gateway/internal/ensemble"
	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

type MockTarget struct {
	name        string
	provider    string
	cost        float64
	unavailable bool
	reply       string
	err         error
	calls       int32
	lastReq     *provider.ChatRequest
}

func (m *MockTarget) Name() string     { return m.name }
func (m *MockTarget) Provider() string { return m.provider }
func (m *MockTarget) Available() bool  { return !m.unavailable }
func (m *MockTarget) Costs() provider.CostSchedule {
	return provider.CostSchedule{InputCostPerThousand: m.cost, OutputCostPerThousand: m.cost}
}

func (m *MockTarget) Forward(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	atomic.AddInt32(&m.calls, 1)
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	reply := m.reply
	if reply == "" {
		reply = "mock from " + m.name
	}
	return &provider.ChatResponse{
		Data: reply,
		Usage: provider.UsageStats{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
			CostUSD:          m.cost,
		},
	}, nil
}

func TestRoute_CostBased(t *testing.T) {
	expensive := &MockTarget{name: "expensive", cost: 10.0}
	cheap := &MockTarget{name: "cheap", cost: 1.0}

	router := NewRouter([]Target{expensive, cheap})

	target, err := router.Route("")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if target.Name() != "cheap" {
		t.Errorf("Expected cheap model, got %s", target.Name())
	}
}

func TestRoute_SkipsUnavailable(t *testing.T) {
	cheap := &MockTarget{name: "cheap", cost: 1.0, unavailable: true}
	expensive := &MockTarget{name: "expensive", cost: 10.0}

	router := NewRouter([]Target{cheap, expensive})

	target, err := router.Route("")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if target.Name() != "expensive" {
		t.Errorf("Expected expensive model, got %s", target.Name())
	}
}

func TestRoute_ByName(t *testing.T) {
	router := NewRouter([]Target{
		&MockTarget{name: "a", cost: 1},
		&MockTarget{name: "b", cost: 5},
		&MockTarget{name: "down", unavailable: true},
	})

	target, err := router.Route("b")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if target.Name() != "b" {
		t.Errorf("Expected b, got %s", target.Name())
	}

	if _, err := router.Route("missing"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Expected ErrModelNotFound, got %v", err)
	}
	if _, err := router.Route("down"); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable, got %v", err)
	}
}

func TestRoute_AllUnavailable(t *testing.T) {
	router := NewRouter([]Target{&MockTarget{name: "a", unavailable: true}})

	if _, err := router.Route(""); !errors.Is(err, ErrNoModels) {
		t.Errorf("Expected ErrNoModels, got %v", err)
	}
}

func TestSelect(t *testing.T) {
	a := &MockTarget{name: "a"}
	b := &MockTarget{name: "b"}
	c := &MockTarget{name: "c"}
	router := NewRouter([]Target{a, b, c})

	targets, err := router.Select([]string{"c", "a"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(targets) != 2 || targets[0] != c || targets[1] != a {
		t.Errorf("Expected [c a], got %v", targets)
	}

	all, err := router.Select(nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(all) != 3 || all[0] != a || all[2] != c {
		t.Errorf("Expected registration order, got %v", all)
	}

	if _, err := router.Select([]string{"a", "zzz"}); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Expected ErrModelNotFound, got %v", err)
	}
}

func TestSelect_AllOrNothing(t *testing.T) {
	router := NewRouter([]Target{&MockTarget{name: "a"}, &MockTarget{name: "b", unavailable: true}})

	if _, err := router.Select(nil); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable, got %v", err)
	}
	if _, err := NewRouter(nil).Select(nil); !errors.Is(err, ErrNoModels) {
		t.Errorf("Expected ErrNoModels, got %v", err)
	}
}

func TestNewEnsemble_RunsInOrder(t *testing.T) {
	a := &MockTarget{name: "a", reply: "A"}
	b := &MockTarget{name: "b", reply: "B"}
	router := NewRouter([]Target{a, b}, ensemble.WithMaxConcurrency(2))

	d, err := router.NewEnsemble([]ensemble.Member{b, a}, ensemble.WithTemperature(0.4))
	if err != nil {
		t.Fatalf("NewEnsemble failed: %v", err)
	}
	out, err := d.Run(context.Background(), ensemble.Input{Query: "q"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Responses) != 2 || out.Responses[0] != "B" || out.Responses[1] != "A" {
		t.Errorf("Expected [B A], got %v", out.Responses)
	}
	if a.lastReq.Temperature != 0.4 {
		t.Errorf("Expected temperature 0.4, got %v", a.lastReq.Temperature)
	}
}
