package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// ErrInvalidTenant rejects tenant keys that cannot name a store.
var ErrInvalidTenant = errors.New("invalid tenant key")

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Opener builds the store for one tenant.
type Opener func(ctx context.Context, tenant string) (*Store, error)

// Tenants selects a store per tenant key and keeps it open for reuse. Listing
// and deciding HIL tasks both resolve through here.
type Tenants struct {
	open     Opener
	fallback string

	mu     sync.Mutex
	stores map[string]*Store
}

func NewTenants(fallback string, open Opener) *Tenants {
	return &Tenants{open: open, fallback: fallback, stores: map[string]*Store{}}
}

// Resolve maps an empty key to the fallback tenant and validates the result.
func (t *Tenants) Resolve(tenant string) (string, error) {
	if tenant == "" {
		tenant = t.fallback
	}
	if !tenantPattern.MatchString(tenant) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return tenant, nil
}

func (t *Tenants) For(ctx context.Context, tenant string) (*Store, error) {
	key, err := t.Resolve(tenant)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stores[key]; ok {
		return s, nil
	}
	s, err := t.open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open tenant %s: %w", key, err)
	}
	t.stores[key] = s
	return s, nil
}

// Open lists the tenants opened so far.
func (t *Tenants) Open() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.stores))
	for k := range t.stores {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close closes every tenant database.
func (t *Tenants) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for k, s := range t.stores {
		if s.Repo.DB != nil {
			if err := s.Repo.DB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close tenant %s: %w", k, err))
			}
		}
		delete(t.stores, k)
	}
	return errors.Join(errs...)
}
