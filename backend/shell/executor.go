// Package shell executes remote commands over SSH.
//
// Outcome classification follows the transport boundary: failing to reach or
// authenticate against the host is a transport failure, a command that ran
// and exited non-zero is a remote failure, and a command still running when
// the deadline passes is a timeout. Timed-out sessions are torn down and
// their connection is never returned to the pool.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/azsap/sapops/backend"
	"github.com/azsap/sapops/registry"
)

const maxCapturedOutput = 16 * 1024

// DialContextFunc opens the raw transport connection. Tests inject an
// in-memory pipe here.
type DialContextFunc func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error)

// Option configures the executor.
type Option func(*Executor)

// WithDialer replaces the network dialer.
func WithDialer(dial DialContextFunc) Option {
	return func(e *Executor) { e.dialContext = dial }
}

// WithHostKeyCallback replaces the host key policy. The default accepts any
// host key, mirroring the landscape files that carry no host key pins; pass
// a knownhosts callback to pin.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(e *Executor) { e.hostKeys = cb }
}

// WithPoolConfig replaces the connection pool tuning.
func WithPoolConfig(cfg PoolConfig) Option {
	return func(e *Executor) { e.pool = NewPool(cfg) }
}

// Executor is the shell-plane backend.
type Executor struct {
	pool        *Pool
	dialContext DialContextFunc
	hostKeys    ssh.HostKeyCallback
	logger      *slog.Logger
}

// New creates a shell executor.
func New(logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		pool: NewPool(DefaultPoolConfig()),
		dialContext: func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, addr)
		},
		hostKeys: ssh.InsecureIgnoreHostKey(), //nolint:gosec // matches the landscape config model, override via WithHostKeyCallback
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plane implements backend.Executor.
func (e *Executor) Plane() registry.Plane { return registry.PlaneShell }

// Close releases every pooled connection.
func (e *Executor) Close() { e.pool.Close() }

// Execute runs the request's command on the target host.
func (e *Executor) Execute(ctx context.Context, req backend.Request) backend.Outcome {
	target, ok := req.Target.(*registry.ShellTarget)
	if !ok {
		return backend.TransportFailure(fmt.Errorf("shell executor cannot address a %s target", req.Target.Plane()))
	}
	if req.Command == "" {
		return backend.TransportFailure(fmt.Errorf("operation %s built no shell command", req.Operation))
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	key := target.Addr() + "|" + target.Username
	hp := e.pool.forHost(key, func(ctx context.Context) (*ssh.Client, error) {
		return e.connect(ctx, target)
	})

	client, err := hp.acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return backend.Timeout(fmt.Sprintf("connecting to %s exceeded the operation deadline", target.Hostname))
		}
		e.logger.Warn("ssh connect failed", "host", target.Hostname, "error", err)
		return backend.TransportFailure(err)
	}

	session, err := client.NewSession()
	if err != nil {
		hp.release(client, true)
		return backend.TransportFailure(fmt.Errorf("failed to open session on %s: %w", target.Hostname, err))
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(req.Command) }()

	select {
	case runErr := <-done:
		_ = session.Close()
		return e.classify(hp, client, target, runErr, &stdout, &stderr, start)

	case <-ctx.Done():
		// Tear the session down; the command may still be running remotely,
		// which the caller is told about rather than pretending a rollback.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		hp.release(client, true)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return backend.Timeout(fmt.Sprintf("command on %s still running after %s", target.Hostname, time.Since(start).Round(time.Millisecond)))
		}
		return backend.TransportFailure(ctx.Err())
	}
}

func (e *Executor) classify(hp *hostPool, client *ssh.Client, target *registry.ShellTarget, runErr error, stdout, stderr *bytes.Buffer, start time.Time) backend.Outcome {
	duration := time.Since(start)

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		hp.release(client, false)
		return backend.Success(map[string]any{
			"host":        target.Hostname,
			"exit_code":   0,
			"stdout":      truncate(stdout.String()),
			"stderr":      truncate(stderr.String()),
			"duration_ms": duration.Milliseconds(),
		})

	case errors.As(runErr, &exitErr):
		// The command ran and failed; the connection itself is fine.
		hp.release(client, false)
		diag := strings.TrimSpace(truncate(stderr.String()))
		if diag == "" {
			diag = fmt.Sprintf("remote command exited with status %d", exitErr.ExitStatus())
		}
		return backend.RemoteFailure(exitErr.ExitStatus(), diag)

	default:
		// Includes ssh.ExitMissingError: the session died without reporting
		// an exit status, so the transport is suspect.
		hp.release(client, true)
		e.logger.Warn("ssh command aborted", "host", target.Hostname, "error", runErr)
		return backend.TransportFailure(runErr)
	}
}

// connect dials and authenticates a new client for the target.
func (e *Executor) connect(ctx context.Context, target *registry.ShellTarget) (*ssh.Client, error) {
	auth, err := authMethods(target)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: e.hostKeys,
		Timeout:         target.ConnectTimeout,
	}

	conn, err := e.dialContext(ctx, "tcp", target.Addr(), target.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target.Addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", target.Addr(), err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func authMethods(target *registry.ShellTarget) ([]ssh.AuthMethod, error) {
	if target.UseKeyAuth {
		key, err := os.ReadFile(target.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		var signer ssh.Signer
		if target.KeyRequiresPassphrase {
			if target.Passphrase == "" {
				return nil, fmt.Errorf("key for %s requires a passphrase but none is configured", target.Hostname)
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(target.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if target.Password != "" {
		return []ssh.AuthMethod{ssh.Password(target.Password)}, nil
	}
	return nil, fmt.Errorf("no ssh credentials configured for %s", target.Hostname)
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n... (output truncated)"
}
