// Package transfer moves build artifacts onto resolved targets over SSH and
// manages the remote snapshots that guard those uploads.
// This is part of the Imperative Shell - talks to remote hosts.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/harborline/stevedore/internal/shell/resolver"
)

// =============================================================================
// SSH Connection
// =============================================================================

// Conn is a lazily-dialed, reconnecting SSH connection to one target host.
type Conn struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// DialConfig builds a connection for a resolved target. The connection is
// established on first use.
func DialConfig(target *resolver.Target, commandTimeout time.Duration) (*Conn, error) {
	auth, err := authMethods(target.Credentials)
	if err != nil {
		return nil, err
	}
	if commandTimeout == 0 {
		commandTimeout = 60 * time.Second
	}
	return &Conn{
		addr: net.JoinHostPort(target.Host, strconv.Itoa(target.Port)),
		config: &ssh.ClientConfig{
			User:            target.Credentials.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: store and verify host keys
			Timeout:         10 * time.Second,
		},
		timeout: commandTimeout,
	}, nil
}

func authMethods(creds resolver.Credentials) ([]ssh.AuthMethod, error) {
	if creds.KeyFile != "" {
		key, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key %s: %w", creds.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", creds.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if creds.Password != "" {
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	}
	return nil, fmt.Errorf("credentials carry neither key file nor password")
}

// connect establishes the SSH connection if not already connected.
func (c *Conn) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		_, _, err := c.client.SendRequest("keepalive@stevedore", true, nil)
		if err == nil {
			return nil
		}
		c.client.Close()
		c.client = nil
	}

	client, err := ssh.Dial("tcp", c.addr, c.config)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", c.addr, err)
	}
	c.client = client
	return nil
}

// Run executes one remote command, feeding stdin when non-nil, and returns
// its stdout.
func (c *Conn) Run(ctx context.Context, command string, stdin io.Reader) ([]byte, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	session, err := c.client.NewSession()
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("remote command timed out after %v", c.timeout)
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("remote command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), nil
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// quote single-quotes a path for the remote shell.
func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
