// Package source acquires project source trees from git.
// This is part of the Imperative Shell - talks to remote repositories.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	cryptossh "golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds one acquisition; a hung remote fails the project
// rather than stalling the stage.
const DefaultTimeout = 3 * time.Minute

// =============================================================================
// Acquirer
// =============================================================================

// Acquirer fetches a project's source tree and returns its local path.
// Acquiring again for an existing local copy updates it instead of erroring.
type Acquirer interface {
	Acquire(ctx context.Context, project, branch, commitRef string) (string, error)
}

// =============================================================================
// Git Acquirer
// =============================================================================

// GitAcquirer clones or updates one repository per project under a shared
// working directory. Repository URLs are formed as baseURL/project.git.
type GitAcquirer struct {
	baseURL    string
	workDir    string
	sshKeyPath string // empty for anonymous HTTPS remotes
	timeout    time.Duration
	logger     *slog.Logger
}

// NewGitAcquirer creates a git source acquirer.
func NewGitAcquirer(baseURL, workDir, sshKeyPath string, logger *slog.Logger) *GitAcquirer {
	return &GitAcquirer{
		baseURL:    baseURL,
		workDir:    workDir,
		sshKeyPath: sshKeyPath,
		timeout:    DefaultTimeout,
		logger:     logger.With("component", "source"),
	}
}

// Acquire clones the project repository, or pulls if a local copy exists,
// then checks out the requested branch and optional commit. A local copy
// that cannot be updated in place is wiped and cloned fresh.
func (a *GitAcquirer) Acquire(ctx context.Context, project, branch, commitRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	dir := filepath.Join(a.workDir, project)
	url := fmt.Sprintf("%s/%s.git", a.baseURL, project)

	repo, err := a.ensureRepo(ctx, dir, url, branch)
	if err != nil {
		return "", fmt.Errorf("acquiring %s: %w", project, err)
	}

	if commitRef != "" {
		worktree, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("acquiring %s: %w", project, err)
		}
		err = worktree.Checkout(&git.CheckoutOptions{
			Hash:  plumbing.NewHash(commitRef),
			Force: true,
		})
		if err != nil {
			return "", fmt.Errorf("checking out %s at %s: %w", project, commitRef, err)
		}
	}

	a.logger.Info("source acquired", "project", project, "branch", branch, "path", dir)
	return dir, nil
}

// ensureRepo opens and updates an existing clone, falling back to a fresh
// clone when the local copy is missing or unusable.
func (a *GitAcquirer) ensureRepo(ctx context.Context, dir, url, branch string) (*git.Repository, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		repo, err := a.update(ctx, dir, branch)
		if err == nil {
			return repo, nil
		}
		a.logger.Warn("local copy unusable, recloning", "path", dir, "error", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing %s: %w", dir, err)
	}

	auth, err := a.auth()
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}
	return repo, nil
}

func (a *GitAcquirer) update(ctx context.Context, dir, branch string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	err = worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Force:  true,
	})
	if err != nil {
		return nil, err
	}
	auth, err := a.auth()
	if err != nil {
		return nil, err
	}
	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName: "origin",
		Auth:       auth,
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return nil, err
	}
	return repo, nil
}

// auth returns nil for anonymous HTTPS remotes.
func (a *GitAcquirer) auth() (transport.AuthMethod, error) {
	if a.sshKeyPath == "" {
		return nil, nil
	}
	auth, err := ssh.NewPublicKeysFromFile("git", a.sshKeyPath, "")
	if err != nil {
		return nil, fmt.Errorf("loading ssh key %s: %w", a.sshKeyPath, err)
	}
	auth.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()
	return auth, nil
}
