package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshConn adapts an *ssh.Client to the conn interface. One client carries
// many sessions, so a pooled sshConn can serve concurrent commands.
type sshConn struct {
	client *ssh.Client
}

// sshDial opens an SSH connection using the executor's key file. Host key
// verification uses the known-hosts file when configured; otherwise the host
// key is accepted, which is only suitable for closed cluster networks.
func (e *Executor) sshDial(ctx context.Context, user, host string) (conn, error) {
	signer, err := loadSigner(e.cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if e.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(e.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.cfg.ConnectTimeout,
	}

	// ssh.Dial has no context form; dial the TCP leg with the context and
	// hand the established conn to the SSH handshake.
	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshc, chans, reqs, err := ssh.NewClientConn(tcp, addr, cfg)
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &sshConn{client: ssh.NewClient(sshc, chans, reqs)}, nil
}

// loadSigner reads and parses the private key file.
func loadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("ssh key file not configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return signer, nil
}

// run executes a command in a fresh session. A remote non-zero exit is
// reported in the Result, not as an error; only transport failures error.
func (c *sshConn) run(ctx context.Context, command string) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Best effort: tear the session down so the remote side sees EOF.
		session.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

func (c *sshConn) close() error {
	return c.client.Close()
}
