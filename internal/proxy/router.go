package proxy

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/ensemble-gateway/internal/ensemble"
	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrNoModels         = errors.New("all models unavailable")
)

// Target is a model the router can send requests to. *provider.Model satisfies it.
type Target interface {
	ensemble.Member
	Provider() string
	Costs() provider.CostSchedule
	Available() bool
}

type Router struct {
	targets      []Target
	byName       map[string]Target
	ensembleOpts []ensemble.Option
}

// NewRouter registers targets in order. ensembleOpts apply to every dispatcher the
// router builds.
func NewRouter(targets []Target, ensembleOpts ...ensemble.Option) *Router {
	byName := make(map[string]Target, len(targets))
	for _, t := range targets {
		byName[t.Name()] = t
	}
	return &Router{
		targets:      targets,
		byName:       byName,
		ensembleOpts: ensembleOpts,
	}
}

func (r *Router) Models() []Target {
	return r.targets
}

// Route returns the named model, or the cheapest available one when name is empty.
func (r *Router) Route(name string) (Target, error) {
	if name != "" {
		return r.lookup(name)
	}

	var best Target
	for _, t := range r.targets {
		if !t.Available() {
			continue
		}
		if best == nil || unitCost(t) < unitCost(best) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoModels
	}
	return best, nil
}

// Select resolves ensemble members in the given order, or every registered model when
// names is empty. Any unknown or unavailable model fails the selection.
func (r *Router) Select(names []string) ([]Target, error) {
	if len(names) == 0 {
		for _, t := range r.targets {
			if !t.Available() {
				return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, t.Name())
			}
		}
		if len(r.targets) == 0 {
			return nil, ErrNoModels
		}
		return r.targets, nil
	}

	targets := make([]Target, 0, len(names))
	for _, name := range names {
		t, err := r.lookup(name)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// NewEnsemble builds a dispatcher with the router's ensemble options followed by opts.
func (r *Router) NewEnsemble(members []ensemble.Member, opts ...ensemble.Option) (*ensemble.Dispatcher, error) {
	all := make([]ensemble.Option, 0, len(r.ensembleOpts)+len(opts))
	all = append(all, r.ensembleOpts...)
	all = append(all, opts...)
	return ensemble.New(members, all...)
}

func (r *Router) lookup(name string) (Target, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if !t.Available() {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, name)
	}
	return t, nil
}

func unitCost(t Target) float64 {
	c := t.Costs()
	return c.InputCostPerThousand + c.OutputCostPerThousand
}
