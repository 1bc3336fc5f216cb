package sshexec

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	// DefaultConnectTimeout bounds SSH connection establishment.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultMaxAttempts is the total number of execution attempts.
	DefaultMaxAttempts = 2
	// DefaultRetryBackoff is the pause between attempts.
	DefaultRetryBackoff = time.Second
	// testCommand is the canned liveness probe command.
	testCommand = "echo drover-ok"
)

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok returns true if the command exited cleanly.
func (r *Result) Ok() bool { return r.ExitCode == 0 }

// conn is a live remote-shell session handle. The real implementation wraps
// an *ssh.Client; tests substitute fakes through the dialer.
type conn interface {
	// run executes a command and returns its result. A non-nil error means
	// the transport failed; a command that ran but exited non-zero returns
	// a Result with the exit code and a nil error.
	run(ctx context.Context, command string) (*Result, error)
	close() error
}

// dialFunc opens a new connection to user@host.
type dialFunc func(ctx context.Context, user, host string) (conn, error)

// Config holds executor tuning knobs.
type Config struct {
	// DefaultUser is used when an address carries no user part.
	DefaultUser string
	// KeyFile is the path to the SSH private key.
	KeyFile string
	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// PersistTimeout is how long pooled connections are reused.
	PersistTimeout time.Duration
	// MaxSessions caps the connection pool.
	MaxSessions int
	// MaxAttempts is the total number of execution attempts per command.
	MaxAttempts int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultUser == "" {
		out.DefaultUser = "drover"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.PersistTimeout <= 0 {
		out.PersistTimeout = DefaultPersistTimeout
	}
	if out.MaxSessions <= 0 {
		out.MaxSessions = DefaultMaxSessions
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = DefaultRetryBackoff
	}
	return out
}

// Executor runs commands on remote hosts over pooled SSH connections.
type Executor struct {
	cfg  Config
	dial dialFunc
	pool *pool
}

// New creates an Executor using real SSH connections.
func New(cfg Config) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:  cfg,
		pool: newPool(cfg.PersistTimeout, cfg.MaxSessions),
	}
	e.dial = e.sshDial
	return e
}

// newWithDialer creates an Executor with a custom dialer. Test hook.
func newWithDialer(cfg Config, dial dialFunc) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:  cfg,
		dial: dial,
		pool: newPool(cfg.PersistTimeout, cfg.MaxSessions),
	}
}

// ParseAddress splits a shell agent address of the form "user@host" into its
// parts, falling back to the configured default user.
func (e *Executor) ParseAddress(address string) (user, host string) {
	if at := strings.Index(address, "@"); at > 0 {
		return address[:at], address[at+1:]
	}
	return e.cfg.DefaultUser, address
}

// Execute runs a command on user@host with up to MaxAttempts attempts.
// The pooled connection is discarded and reopened between attempts; only
// transport-level failures are retried. A command that runs and exits
// non-zero is returned as-is, since re-running it would duplicate its side
// effects.
func (e *Executor) Execute(ctx context.Context, user, host, command string, timeout time.Duration) (*Result, error) {
	key := poolKey{user: user, host: host}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.cfg.RetryBackoff):
			}
		}

		c, err := e.connection(ctx, key)
		if err != nil {
			lastErr = err
			log.Printf("[sshexec] connect %s@%s failed (attempt %d/%d): %v",
				user, host, attempt, e.cfg.MaxAttempts, err)
			continue
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		res, err := c.run(runCtx, command)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			// Transport failure: the session may be wedged, so drop the
			// pooled connection before retrying.
			e.pool.discard(key)
			lastErr = err
			log.Printf("[sshexec] run on %s@%s failed (attempt %d/%d): %v",
				user, host, attempt, e.cfg.MaxAttempts, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("execute on %s@%s: %w", user, host, lastErr)
}

// TestConnection runs the canned probe command and treats a clean exit as
// liveness proof. Used by the health monitor and by registration pre-flight.
func (e *Executor) TestConnection(ctx context.Context, address string) error {
	user, host := e.ParseAddress(address)
	res, err := e.Execute(ctx, user, host, testCommand, e.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("probe command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// connection returns a pooled connection or dials a fresh one.
func (e *Executor) connection(ctx context.Context, key poolKey) (conn, error) {
	if c := e.pool.get(key); c != nil {
		return c, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	c, err := e.dial(dialCtx, key.user, key.host)
	if err != nil {
		return nil, err
	}
	e.pool.put(key, c)
	return c, nil
}

// Sweep evicts pooled connections older than the persist timeout. Called by
// the engine's retention loop.
func (e *Executor) Sweep() int {
	return e.pool.sweep()
}

// PoolSize returns the number of live pooled connections.
func (e *Executor) PoolSize() int {
	return e.pool.size()
}

// Close shuts down every pooled connection.
func (e *Executor) Close() {
	e.pool.closeAll()
}
