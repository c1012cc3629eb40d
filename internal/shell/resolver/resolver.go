// Package resolver maps a deployment to the environment it uploads to.
// This is part of the Imperative Shell - reads inventory files and cloud APIs.
package resolver

import (
	"context"
	"errors"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrUnknownEnvironment = errors.New("no environment configured for project")
	ErrNoAddress          = errors.New("environment has no reachable address")
)

// =============================================================================
// Target
// =============================================================================

// Credentials carry what the transfer adapter needs to open a session.
// Exactly one of Password and KeyFile is normally set.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	KeyFile  string `yaml:"key_file"`
}

// Target is the resolved upload destination for one deployment.
type Target struct {
	Host        string
	Port        int
	Credentials Credentials
	UploadPath  string
	BackupPath  string // optional; empty means snapshots live beside UploadPath
}

// =============================================================================
// Resolver
// =============================================================================

// Resolver resolves the upload target for a deployment. It is called once per
// deployment, keyed by any one of its projects since co-deployed projects
// share an environment.
type Resolver interface {
	ResolveTarget(ctx context.Context, deploymentID, project string) (*Target, error)
}
