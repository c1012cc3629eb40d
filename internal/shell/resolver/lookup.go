package resolver

import (
	"context"
	"fmt"
	"log/slog"
)

// =============================================================================
// Host Lookup
// =============================================================================

// HostLookup resolves the public address of a named cloud instance.
type HostLookup interface {
	// LookupHost returns the public IPv4 address of the instance, or an
	// error if the instance does not exist or has no address yet.
	LookupHost(ctx context.Context, instanceName, region string) (string, error)
}

// LookupConfig holds the per-provider API credentials a process has.
// Providers with empty credentials are simply not wired.
type LookupConfig struct {
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	HetznerToken       string
	DigitalOceanToken  string
}

// NewHostLookups builds a lookup per provider the config has credentials for.
func NewHostLookups(cfg LookupConfig, logger *slog.Logger) map[string]HostLookup {
	lookups := make(map[string]HostLookup)
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		lookups["aws"] = NewAWSLookup(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, logger)
	}
	if cfg.HetznerToken != "" {
		lookups["hetzner"] = NewHetznerLookup(cfg.HetznerToken, logger)
	}
	if cfg.DigitalOceanToken != "" {
		lookups["digitalocean"] = NewDigitalOceanLookup(cfg.DigitalOceanToken, logger)
	}
	return lookups
}

// notFound formats the shared no-such-instance error.
func notFound(provider, instanceName string) error {
	return fmt.Errorf("%s instance %s not found", provider, instanceName)
}
