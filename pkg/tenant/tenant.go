package tenant

import (
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/pulsebeam/pkg/types"
)

// NewTenant builds a Tenant with a freshly generated id and api-key,
// ready to pass to Store.CreateTenant. Id and api-key generation live
// here, outside BoltStore, so a caller constructing a tenant for a
// different Store implementation gets the same uuid-shaped identifiers.
func NewTenant(displayName, contactEmail string) (*types.Tenant, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	apiKey, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return &types.Tenant{
		ID:           id.String(),
		DisplayName:  displayName,
		ContactEmail: contactEmail,
		APIKey:       apiKey.String(),
		RateClass:    types.RateLimitClassDefault,
		CreatedAt:    time.Now(),
	}, nil
}
