package integrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formrelay/formrelay/internal/cache"
	"github.com/formrelay/formrelay/internal/mapping"
)

// ErrNoProperties is returned when a provider cannot list its fields.
var ErrNoProperties = errors.New("integrations: provider does not expose properties")

// Properties returns the provider's fields through the cache.
func Properties(ctx context.Context, c *cache.Manager, ttl time.Duration, in Integration, cfg FormConfig) ([]mapping.Property, error) {
	src, ok := in.(PropertySource)
	if !ok {
		return nil, ErrNoProperties
	}
	key := fmt.Sprintf("properties:%s:%s:%s", in.ID(), cfg.ListID, cfg.ObjectType)
	return cache.Remember(c, key, ttl, func() ([]mapping.Property, error) {
		return src.Properties(ctx, cfg)
	})
}

// InvalidateProperties drops every cached property list of provider.
func InvalidateProperties(c *cache.Manager, provider string) {
	c.DeletePrefix("properties:" + provider + ":")
}
