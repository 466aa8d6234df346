// Package sandbox – ssh.go implements the "ssh" sandbox kind: command
// execution on a remote host. Remote sandboxes count as isolated, so the
// permission bridge auto-approves tool calls made inside them.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSH executes commands on a remote host over an SSH connection that lives
// for the sandbox's lifetime.
type SSH struct {
	taskID   string
	host     string
	timeout  time.Duration
	maxBytes int64
	client   *ssh.Client
	logger   *slog.Logger
	disposed atomic.Bool
}

func newSSH(ctx context.Context, taskID string, cfg Config, logger *slog.Logger) (Sandbox, error) {
	sc := cfg.SSH
	if sc.Host == "" {
		return nil, fmt.Errorf("ssh sandbox: host is required")
	}
	if sc.User == "" {
		return nil, fmt.Errorf("ssh sandbox: user is required")
	}
	if sc.KeyPath == "" {
		return nil, fmt.Errorf("ssh sandbox: key_path is required")
	}

	keyData, err := os.ReadFile(sc.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if sc.KnownHostsPath != "" {
		cb, err := knownhosts.New(sc.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("ssh sandbox without known_hosts verification", "host", sc.Host)
	}

	clientCfg := &ssh.ClientConfig{
		User:            sc.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port))
	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &SSH{
		taskID:   taskID,
		host:     sc.Host,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxOutputBytes,
		client:   ssh.NewClient(sshConn, chans, reqs),
		logger:   logger,
	}, nil
}

// Kind returns "ssh".
func (s *SSH) Kind() string { return "ssh" }

// Exec runs a command in a fresh SSH session.
func (s *SSH) Exec(ctx context.Context, command string) (ExecResult, error) {
	if s.disposed.Load() {
		return ExecResult{}, fmt.Errorf("sandbox for task %s is disposed", s.taskID)
	}

	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &limitWriter{w: &stdout, n: s.maxBytes}
	session.Stderr = &limitWriter{w: &stderr, n: s.maxBytes}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Best effort: signal then close the session to unblock Run.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Duration: time.Since(start),
		}, ctx.Err()
	case err = <-done:
	}

	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("ssh exec: %w", err)
	}
	return res, nil
}

// HostURL returns the address a service bound on the remote host is
// reachable at from the outside.
func (s *SSH) HostURL(_ context.Context, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return fmt.Sprintf("http://%s:%d", s.host, port), nil
}

// Dispose closes the SSH connection. Idempotent.
func (s *SSH) Dispose(_ context.Context) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("ssh sandbox close failed", "task", s.taskID, "error", err)
	}
	s.logger.Debug("ssh sandbox disposed", "task", s.taskID, "host", s.host)
	return nil
}
