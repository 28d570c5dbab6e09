package session

import (
	"context"

	"github.com/Micca1978/ztengine/internal/config"
	"github.com/Micca1978/ztengine/pkg/types"
)

// Provider resolves what a user may do at a trust level.
type Provider interface {
	GetUserPermissions(ctx context.Context, userID string, trust types.TrustLevel) ([]string, error)
	GetAllowedResources(ctx context.Context, userID string, trust types.TrustLevel) ([]string, error)
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// StaticProvider serves grants from configuration.
type StaticProvider struct {
	roles   map[string][]string
	byTrust map[types.TrustLevel]config.TrustGrant
}

// NewStaticProvider creates a provider from the roles configuration.
func NewStaticProvider(cfg config.RolesConfig) *StaticProvider {
	p := &StaticProvider{
		roles:   make(map[string][]string, len(cfg.UserRoles)),
		byTrust: make(map[types.TrustLevel]config.TrustGrant, len(cfg.ByTrust)),
	}
	for user, roles := range cfg.UserRoles {
		p.roles[user] = append([]string(nil), roles...)
	}
	for level, grant := range cfg.ByTrust {
		p.byTrust[types.TrustLevel(level)] = grant
	}
	return p
}

// GetUserPermissions returns the permissions granted at trust.
func (p *StaticProvider) GetUserPermissions(ctx context.Context, userID string, trust types.TrustLevel) ([]string, error) {
	return append([]string(nil), p.byTrust[trust].Permissions...), nil
}

// GetAllowedResources returns the resources granted at trust.
func (p *StaticProvider) GetAllowedResources(ctx context.Context, userID string, trust types.TrustLevel) ([]string, error) {
	return append([]string(nil), p.byTrust[trust].Resources...), nil
}

// GetUserRoles returns the configured roles of userID.
func (p *StaticProvider) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	return append([]string(nil), p.roles[userID]...), nil
}

// grant is what the provider resolved for one session.
type grant struct {
	roles       []string
	permissions []string
	resources   []string
}

// resolve queries the provider, bounded by ctx. A provider that ignores
// cancellation is abandoned when ctx ends.
func resolve(ctx context.Context, p Provider, userID string, trust types.TrustLevel) (grant, error) {
	type result struct {
		g   grant
		err error
	}
	done := make(chan result, 1)

	go func() {
		var r result
		if r.g.roles, r.err = p.GetUserRoles(ctx, userID); r.err != nil {
			done <- r
			return
		}
		if r.g.permissions, r.err = p.GetUserPermissions(ctx, userID, trust); r.err != nil {
			done <- r
			return
		}
		r.g.resources, r.err = p.GetAllowedResources(ctx, userID, trust)
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return grant{}, r.err
		}
		return r.g, nil
	case <-ctx.Done():
		return grant{}, ctx.Err()
	}
}
