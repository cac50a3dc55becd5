// Package access decides whether a caller may act on a workspace's runs.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// ErrNotMember is returned when the principal has no membership in the
// workspace. It matches domain.ErrUnauthorized.
var ErrNotMember = fmt.Errorf("%w: not a workspace member", domain.ErrUnauthorized)

// MembershipSource looks up workspace memberships. It returns nil for a
// non-member.
type MembershipSource interface {
	GetMembership(ctx context.Context, workspaceID, principalID string) (*domain.Membership, error)
}

// Policy decides whether a role may perform an action.
type Policy interface {
	Allow(ctx context.Context, role domain.Role, action domain.Action) (bool, error)
}

// Config tunes the membership cache. A zero CacheTTL disables caching.
type Config struct {
	CacheTTL      time.Duration
	CacheMaxItems int64
}

// Gate checks Authorization values against memberships and the role policy.
// Positive lookups are cached; a non-member is always looked up again so a
// freshly granted membership is visible at once. A lookup that overlaps a
// Forget is returned but not cached, so a changed role is never re-cached
// from a read taken before the change.
type Gate struct {
	source MembershipSource
	policy Policy
	cache  *ristretto.Cache[string, domain.Role]
	ttl    time.Duration

	mu         sync.Mutex
	generation uint64 // bumped by every Forget
}

// NewGate builds a Gate.
func NewGate(source MembershipSource, policy Policy, cfg Config) (*Gate, error) {
	g := &Gate{source: source, policy: policy, ttl: cfg.CacheTTL}
	if cfg.CacheTTL <= 0 {
		return g, nil
	}

	maxItems := cfg.CacheMaxItems
	if maxItems <= 0 {
		maxItems = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, domain.Role]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create membership cache: %w", err)
	}
	g.cache = cache
	return g, nil
}

// Authorize returns nil when auth may perform action in workspaceID.
// Trusted authorizations always pass. An empty principal yields
// ErrUnauthenticated; a non-member yields ErrNotMember and a role the policy
// rejects yields ErrUnauthorized.
func (g *Gate) Authorize(ctx context.Context, auth domain.Authorization, workspaceID string, action domain.Action) error {
	if auth.Trusted() {
		return nil
	}
	principal := auth.Principal()
	if principal == "" {
		return domain.ErrUnauthenticated
	}

	role, ok, err := g.ResolveRole(ctx, workspaceID, principal)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrNotMember, principal, workspaceID)
	}

	allowed, err := g.policy.Allow(ctx, role, action)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: role %s may not %s", domain.ErrUnauthorized, role, action)
	}
	return nil
}

// ResolveRole returns the principal's role in the workspace.
func (g *Gate) ResolveRole(ctx context.Context, workspaceID, principalID string) (domain.Role, bool, error) {
	key := cacheKey(workspaceID, principalID)
	if g.cache != nil {
		if role, ok := g.cache.Get(key); ok {
			return role, true, nil
		}
	}

	generation := g.currentGeneration()
	m, err := g.source.GetMembership(ctx, workspaceID, principalID)
	if err != nil {
		return "", false, fmt.Errorf("lookup membership: %w", err)
	}
	if m == nil {
		return "", false, nil
	}
	if g.cache != nil {
		g.mu.Lock()
		if g.generation == generation {
			g.cache.SetWithTTL(key, m.Role, 1, g.ttl)
		}
		g.mu.Unlock()
	}
	return m.Role, true, nil
}

// Forget drops a cached membership after it changed. Lookups already in
// flight will not cache what they read.
func (g *Gate) Forget(workspaceID, principalID string) {
	if g.cache == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation++
	g.cache.Del(cacheKey(workspaceID, principalID))
}

func (g *Gate) currentGeneration() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// Close releases the cache.
func (g *Gate) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}

func cacheKey(workspaceID, principalID string) string {
	return workspaceID + "\x00" + principalID
}
