package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

// Registry is the subset of *broker.Broker that Reconcile drives.
type Registry interface {
	IDs() []string
	Definition(id string) (broker.ServiceDefinition, bool)
	Register(ctx context.Context, def broker.ServiceDefinition) error
	Remove(ctx context.Context, id string)
}

// ReconcileResult summarizes what a reconcile pass changed.
type ReconcileResult struct {
	Added     []string
	Updated   []string
	Removed   []string
	Unchanged []string
}

// Reconcile makes the registry's definitions match defs. Backends missing from
// defs are removed, new or changed ones are registered, and identical ones are
// left alone so their live sessions survive. Registrations run concurrently.
func Reconcile(ctx context.Context, reg Registry, defs []broker.ServiceDefinition) (ReconcileResult, error) {
	var result ReconcileResult
	wanted := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		wanted[def.ID] = struct{}{}
	}
	for _, id := range reg.IDs() {
		if _, ok := wanted[id]; !ok {
			reg.Remove(ctx, id)
			result.Removed = append(result.Removed, id)
		}
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, def := range defs {
		current, exists := reg.Definition(def.ID)
		switch {
		case exists && current.Equal(def):
			result.Unchanged = append(result.Unchanged, def.ID)
			continue
		case exists:
			result.Updated = append(result.Updated, def.ID)
		default:
			result.Added = append(result.Added, def.ID)
		}
		g.Go(func() error {
			if err := reg.Register(ctx, def); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("register %s: %w", def.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result, errors.Join(errs...)
}
