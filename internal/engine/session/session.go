// Package session implements C1: one long-lived authenticated channel per
// remote host, serializing command execution and classifying failures.
// Grounded on the teacher's golang.org/x/crypto/ssh transport
// (paas_ssh_transport_cmd.go) generalized from a one-shot dial-per-command
// helper into a persistent, reconnecting session.
package session

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fleetedge/fleetedge/internal/engine/errs"
)

// AuthMethod selects how the session authenticates to the remote host.
type AuthMethod int

const (
	AuthIdentityFile AuthMethod = iota
	AuthPassword
	AuthAgent
)

// Options configures one host connection. Auth selects whether
// IdentityPath, Password, or the SSH agent is used.
type Options struct {
	Host             string
	User             string
	Port             int
	Auth             AuthMethod
	IdentityPath     string
	Password         string
	SkipHostKeyCheck bool // first-time connections may opt out
	KnownHostsPath   string
	ConnectTimeout   time.Duration
	// RedactList is a set of literal substrings (secret values, passwords)
	// that must never appear in any error surfaced by this session.
	RedactList []string
}

// CommandError is returned when a remote command exits non-zero.
type CommandError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Session is a single serialized channel to one remote host. All exported
// methods may be called concurrently; commands are queued FIFO.
type Session struct {
	opts   Options
	log    *logrus.Entry
	mu     sync.Mutex // serializes exec() across concurrent callers
	client *ssh.Client
}

const maxReconnectAttempts = 5

// New builds a session. The underlying SSH connection is established lazily
// on first Exec so construction never blocks or fails on transient network
// issues.
func New(opts Options, log *logrus.Entry) *Session {
	if opts.Port <= 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Session{opts: opts, log: log.WithField("host", opts.Host)}
}

// Exec runs one command on the remote host and returns trimmed stdout, or an
// *errs.Failure on failure: kind CommandFailed (wrapping a *CommandError)
// for a non-zero exit, TransportFailure for connection problems. Sensitive
// arguments are stripped from any error text before it is returned.
func (s *Session) Exec(ctx context.Context, argv []string) (string, error) {
	return s.execWithStdin(ctx, argv, nil)
}

// ExecWithStdin runs one command, piping stdin to it. Used for registry
// logins: the password is never part of argv, only of this stream.
func (s *Session) ExecWithStdin(ctx context.Context, argv []string, stdin []byte) (string, error) {
	return s.execWithStdin(ctx, argv, stdin)
}

func (s *Session) execWithStdin(ctx context.Context, argv []string, stdin []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnectedLocked(ctx); err != nil {
		return "", s.redactErr(errs.New(errs.KindTransportFailure, "connect", s.opts.Host, "", "verify SSH reachability, credentials, and host key trust", err))
	}

	client, err := s.client.NewSession()
	if err != nil {
		s.client = nil // force reconnect next call
		return "", s.redactErr(errs.New(errs.KindTransportFailure, "session_open", s.opts.Host, "", "verify SSH reachability and retry", err))
	}
	defer client.Close()

	var stdout, stderr bytes.Buffer
	client.Stdout = &stdout
	client.Stderr = &stderr
	if stdin != nil {
		client.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(quoteArgv(argv)) }()

	select {
	case <-ctx.Done():
		_ = client.Signal(ssh.SIGKILL)
		return "", s.redactErr(errs.New(errs.KindTransportFailure, "exec_timeout", s.opts.Host, "", "increase the command timeout or investigate remote load", ctx.Err()))
	case err := <-done:
		if err != nil {
			exitCode := -1
			if ee, ok := err.(*ssh.ExitError); ok {
				exitCode = ee.ExitStatus()
			}
			cmdErr := &CommandError{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
			return "", s.redactErr(errs.New(errs.KindCommandFailed, "exec", s.opts.Host, "", "inspect stderr and correct the remote command or its preconditions", cmdErr))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

// ensureConnectedLocked dials (or redials) the SSH client with bounded
// exponential backoff, auto-reconnecting up to maxReconnectAttempts times.
func (s *Session) ensureConnectedLocked(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	auth, err := s.authMethods()
	if err != nil {
		return err
	}
	hostKeyCallback, err := s.hostKeyCallback()
	if err != nil {
		return err
	}
	cfg := &ssh.ClientConfig{
		User:            s.opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.opts.ConnectTimeout,
	}
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxReconnectAttempts), ctx)
	attempt := 0
	op := func() error {
		attempt++
		client, dialErr := ssh.Dial("tcp", addr, cfg)
		if dialErr != nil {
			s.log.WithField("attempt", attempt).WithError(dialErr).Warn("ssh dial failed, retrying")
			return dialErr
		}
		s.client = client
		return nil
	}
	return backoff.Retry(op, b)
}

func (s *Session) authMethods() ([]ssh.AuthMethod, error) {
	switch s.opts.Auth {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(s.opts.Password)}, nil
	case AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK not set, cannot use agent auth")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	default: // AuthIdentityFile
		key, err := os.ReadFile(s.opts.IdentityPath) // #nosec G304 -- operator-provided identity path.
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
}

func (s *Session) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.opts.SkipHostKeyCheck {
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 -- explicit first-connect opt-out.
	}
	path := s.opts.KnownHostsPath
	if path == "" {
		home, _ := os.UserHomeDir()
		path = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// redactErr strips every configured secret substring from the error's
// message before returning it, so sensitive arguments never reach logs.
func (s *Session) redactErr(err error) error {
	if err == nil || len(s.opts.RedactList) == 0 {
		return err
	}
	f := errs.As(err)
	msg := f.Error()
	for _, secret := range s.opts.RedactList {
		if secret == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, secret, "***")
	}
	f.Err = fmt.Errorf("%s", msg)
	return f
}

// Close tears down the underlying connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// quoteArgv renders an argv slice as a single shell command line, quoting
// each argument with single quotes. The SSH protocol itself only carries one
// command string, so argv is assembled here at the one unavoidable boundary
// where argv-form exec has to be flattened back into a shell line.
func quoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteSingle(a)
	}
	return strings.Join(parts, " ")
}

func quoteSingle(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
