package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// HetznerLookup resolves Hetzner Cloud servers by name.
type HetznerLookup struct {
	client *hcloud.Client
	logger *slog.Logger
}

// NewHetznerLookup creates a Hetzner Cloud host lookup.
func NewHetznerLookup(apiToken string, logger *slog.Logger) *HetznerLookup {
	return &HetznerLookup{
		client: hcloud.NewClient(hcloud.WithToken(apiToken)),
		logger: logger.With("provider", "hetzner"),
	}
}

// LookupHost returns the public IPv4 of the named server. Hetzner server
// names are unique per project, so the region argument is unused.
func (l *HetznerLookup) LookupHost(ctx context.Context, instanceName, _ string) (string, error) {
	server, _, err := l.client.Server.GetByName(ctx, instanceName)
	if err != nil {
		return "", fmt.Errorf("fetching server: %w", err)
	}
	if server == nil {
		return "", notFound("hetzner", instanceName)
	}
	if server.Status != hcloud.ServerStatusRunning || server.PublicNet.IPv4.IP.IsUnspecified() {
		return "", fmt.Errorf("hetzner instance %s is not running with a public IP", instanceName)
	}
	return server.PublicNet.IPv4.IP.String(), nil
}
