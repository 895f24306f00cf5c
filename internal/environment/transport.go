// Package environment provides the virtual and physical environment managers:
// session establishment, artifact deployment, dependency installation,
// instrumentation configuration and readiness validation.
package environment

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

const defaultConnectTimeout = 2 * time.Minute

// transport is one authenticated SSH connection to an environment. A dropped
// connection is re-established once per operation before the failure is
// surfaced as a ConnectionError.
type transport struct {
	mu       sync.Mutex
	client   *ssh.Client
	endpoint string
	sshCfg   *ssh.ClientConfig
	logger   *logging.Logger
}

// dialTransport establishes an SSH connection to the environment endpoint.
// Credential failures come back as AuthenticationError, everything else as
// ConnectionError.
func dialTransport(ctx context.Context, cfg *interfaces.EnvironmentConfig, logger *logging.Logger) (*transport, error) {
	sshCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint()
	client, err := dialSSH(ctx, endpoint, sshCfg)
	if err != nil {
		return nil, classifyDialError(endpoint, err)
	}

	return &transport{
		client:   client,
		endpoint: endpoint,
		sshCfg:   sshCfg,
		logger:   logger,
	}, nil
}

func clientConfig(cfg *interfaces.EnvironmentConfig) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if cfg.Auth.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.Auth.PrivateKeyPEM))
		if err != nil {
			return nil, &interfaces.AuthenticationError{
				Endpoint: cfg.Endpoint(),
				Err:      fmt.Errorf("failed to parse private key: %w", err),
			}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Auth.Password != "" {
		methods = append(methods, ssh.Password(cfg.Auth.Password))
	}
	if len(methods) == 0 {
		return nil, &interfaces.AuthenticationError{
			Endpoint: cfg.Endpoint(),
			Err:      fmt.Errorf("no credentials configured"),
		}
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	return &ssh.ClientConfig{
		User: cfg.Auth.User,
		Auth: methods,
		// Environments are reimaged between batches, so host keys rotate
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}, nil
}

// dialSSH dials with context cancellation; ssh.Dial alone ignores the context
func dialSSH(ctx context.Context, endpoint string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, endpoint, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyDialError(endpoint string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "permission denied") {
		return &interfaces.AuthenticationError{Endpoint: endpoint, Err: err}
	}
	return &interfaces.ConnectionError{Endpoint: endpoint, Err: err}
}

// exec runs a command and returns its combined output. A non-zero exit is
// returned alongside the output; a dead connection triggers one reconnect.
func (t *transport) exec(ctx context.Context, command string) (string, error) {
	out, err := t.runOnce(ctx, command)
	if err == nil || !isConnectionLost(err) {
		return out, err
	}

	t.logger.Debug("connection to %s lost, reconnecting once", t.endpoint)
	if rerr := t.reconnect(ctx); rerr != nil {
		return "", rerr
	}
	return t.runOnce(ctx, command)
}

func (t *transport) runOnce(ctx context.Context, command string) (string, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return "", &interfaces.ConnectionError{Endpoint: t.endpoint, Err: fmt.Errorf("transport closed")}
	}

	session, err := client.NewSession()
	if err != nil {
		return "", &interfaces.ConnectionError{Endpoint: t.endpoint, Err: err}
	}
	defer func() { _ = session.Close() }()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			// Exit errors carry the command's own failure; anything else means
			// the session or connection broke under us
			if exitErr, ok := r.err.(*ssh.ExitError); ok {
				return string(r.out), fmt.Errorf("command exited %d: %s",
					exitErr.ExitStatus(), strings.TrimSpace(string(r.out)))
			}
			return string(r.out), &interfaces.ConnectionError{Endpoint: t.endpoint, Err: r.err}
		}
		return string(r.out), nil
	}
}

// upload writes content to a remote path with the given mode. Transfer goes
// through a temporary file and a rename so a half-written file is never
// visible at the target path.
func (t *transport) upload(ctx context.Context, content []byte, target string, mode os.FileMode) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return &interfaces.ConnectionError{Endpoint: t.endpoint, Err: fmt.Errorf("transport closed")}
	}

	session, err := client.NewSession()
	if err != nil {
		return &interfaces.ConnectionError{Endpoint: t.endpoint, Err: err}
	}
	defer func() { _ = session.Close() }()

	session.Stdin = bytes.NewReader(content)
	tmp := target + ".testrig-partial"
	cmd := fmt.Sprintf("mkdir -p %q && cat > %q && chmod %o %q && mv %q %q",
		path.Dir(target), tmp, mode.Perm(), tmp, tmp, target)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		if err != nil {
			if isConnectionLost(err) {
				return &interfaces.ConnectionError{Endpoint: t.endpoint, Err: err}
			}
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		return nil
	}
}

func (t *transport) remove(ctx context.Context, target string) error {
	_, err := t.exec(ctx, fmt.Sprintf("rm -rf %q", target))
	return err
}

func (t *transport) reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
	client, err := dialSSH(ctx, t.endpoint, t.sshCfg)
	if err != nil {
		return classifyDialError(t.endpoint, err)
	}
	t.client = client
	return nil
}

func (t *transport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "EOF")
}
