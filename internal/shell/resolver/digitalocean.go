package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digitalocean/godo"
)

// DigitalOceanLookup resolves Droplets by name.
type DigitalOceanLookup struct {
	client *godo.Client
	logger *slog.Logger
}

// NewDigitalOceanLookup creates a DigitalOcean host lookup.
func NewDigitalOceanLookup(apiToken string, logger *slog.Logger) *DigitalOceanLookup {
	return &DigitalOceanLookup{
		client: godo.NewFromToken(apiToken),
		logger: logger.With("provider", "digitalocean"),
	}
}

// LookupHost pages through the account's droplets for one matching the name
// and region and returns its public IPv4.
func (l *DigitalOceanLookup) LookupHost(ctx context.Context, instanceName, region string) (string, error) {
	opt := &godo.ListOptions{PerPage: 200}
	for {
		droplets, resp, err := l.client.Droplets.List(ctx, opt)
		if err != nil {
			return "", fmt.Errorf("listing droplets: %w", err)
		}
		for _, d := range droplets {
			if d.Name != instanceName {
				continue
			}
			if region != "" && d.Region != nil && d.Region.Slug != region {
				continue
			}
			ip, err := d.PublicIPv4()
			if err != nil || ip == "" {
				return "", fmt.Errorf("droplet %s has no public IP", instanceName)
			}
			return ip, nil
		}
		if resp.Links == nil || resp.Links.IsLastPage() {
			break
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return "", fmt.Errorf("paging droplets: %w", err)
		}
		opt.Page = page + 1
	}
	return "", notFound("digitalocean", instanceName)
}
