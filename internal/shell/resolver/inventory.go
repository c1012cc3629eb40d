package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Inventory File
// =============================================================================

// Inventory is the on-disk environment catalog. Each project maps to an
// environment entry that either pins a static host or names a cloud instance
// to look up live.
type Inventory struct {
	Defaults     EnvironmentDefaults    `yaml:"defaults"`
	Environments map[string]Environment `yaml:"environments"`
}

// EnvironmentDefaults fill in fields an environment entry leaves empty.
type EnvironmentDefaults struct {
	Port        int         `yaml:"port"`
	Credentials Credentials `yaml:"credentials"`
	BackupPath  string      `yaml:"backup_path"`
}

// Environment is one entry in the inventory.
type Environment struct {
	// Static addressing.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Cloud addressing, used when Host is empty.
	Provider string `yaml:"provider"` // aws, hetzner or digitalocean
	Instance string `yaml:"instance"` // instance name to look up
	Region   string `yaml:"region"`

	Credentials Credentials `yaml:"credentials"`
	UploadPath  string      `yaml:"upload_path"`
	BackupPath  string      `yaml:"backup_path"`
}

// LoadInventory reads and parses the inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}
	return ParseInventory(data)
}

// ParseInventory parses inventory YAML and checks the entries are usable.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	for name, env := range inv.Environments {
		if env.Host == "" && env.Instance == "" {
			return nil, fmt.Errorf("environment %s: needs host or instance", name)
		}
		if env.Host == "" && env.Provider == "" {
			return nil, fmt.Errorf("environment %s: instance lookup needs a provider", name)
		}
		if env.UploadPath == "" {
			return nil, fmt.Errorf("environment %s: upload_path is required", name)
		}
	}
	return &inv, nil
}

// =============================================================================
// Inventory Resolver
// =============================================================================

// InventoryResolver resolves targets from an inventory, consulting cloud
// host lookups for entries that name an instance instead of a host.
type InventoryResolver struct {
	inventory *Inventory
	lookups   map[string]HostLookup
	logger    *slog.Logger
}

// NewInventoryResolver wires a resolver over a parsed inventory. The lookup
// map is keyed by provider name; entries for providers the inventory never
// references are allowed and ignored.
func NewInventoryResolver(inv *Inventory, lookups map[string]HostLookup, logger *slog.Logger) *InventoryResolver {
	return &InventoryResolver{
		inventory: inv,
		lookups:   lookups,
		logger:    logger.With("component", "resolver"),
	}
}

// ResolveTarget returns the upload target for a project's environment.
func (r *InventoryResolver) ResolveTarget(ctx context.Context, deploymentID, project string) (*Target, error) {
	env, ok := r.inventory.Environments[project]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnvironment, project)
	}

	host := env.Host
	if host == "" {
		lookup, ok := r.lookups[env.Provider]
		if !ok {
			return nil, fmt.Errorf("environment %s: no %s credentials configured", project, env.Provider)
		}
		resolved, err := lookup.LookupHost(ctx, env.Instance, env.Region)
		if err != nil {
			return nil, fmt.Errorf("looking up %s instance %s: %w", env.Provider, env.Instance, err)
		}
		host = resolved
		r.logger.Info("resolved cloud host",
			"deployment_id", deploymentID,
			"provider", env.Provider,
			"instance", env.Instance,
			"host", host)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, project)
	}

	target := &Target{
		Host:        host,
		Port:        env.Port,
		Credentials: env.Credentials,
		UploadPath:  env.UploadPath,
		BackupPath:  env.BackupPath,
	}
	r.applyDefaults(target)
	return target, nil
}

func (r *InventoryResolver) applyDefaults(t *Target) {
	d := r.inventory.Defaults
	if t.Port == 0 {
		t.Port = d.Port
	}
	if t.Port == 0 {
		t.Port = 22
	}
	if t.Credentials.User == "" {
		t.Credentials.User = d.Credentials.User
	}
	if t.Credentials.Password == "" && t.Credentials.KeyFile == "" {
		t.Credentials.Password = d.Credentials.Password
		t.Credentials.KeyFile = d.Credentials.KeyFile
	}
	if t.BackupPath == "" {
		t.BackupPath = d.BackupPath
	}
}
