// Package geo resolves IP addresses to coarse human-readable locations for device lists and credential metadata.
// Murmel ships without a bundled geolocation database; deployments plug a provider in behind Lookup, and everything
// else degrades to the Unknown placeholder.
package geo

import (
	"context"

	"github.com/rs/zerolog"
)

// Unknown is stored on devices and credentials when no provider is configured or the lookup fails.
const Unknown = "Location not found"

// Lookup resolves an IP address to a display location such as "Berlin, Germany".
type Lookup interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// Resolve runs the lookup and degrades to Unknown on failure. Account flows must never fail because geolocation is
// unavailable, so errors are logged and swallowed here.
func Resolve(ctx context.Context, l Lookup, logger zerolog.Logger, ip string) string {
	if l == nil || ip == "" {
		return Unknown
	}
	loc, err := l.Locate(ctx, ip)
	if err != nil {
		logger.Warn().Err(err).Msg("Geolocation lookup failed")
		return Unknown
	}
	if loc == "" {
		return Unknown
	}
	return loc
}

// Static always reports the same location. The zero value reports Unknown.
type Static struct {
	Location string
}

func (s Static) Locate(ctx context.Context, ip string) (string, error) {
	if s.Location == "" {
		return Unknown, nil
	}
	return s.Location, nil
}
