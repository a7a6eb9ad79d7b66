// Package sshexec is the remote-session transport: one SSH connection per
// job, one channel per command, and a per-host breaker shared by all jobs.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/remexec/internal/credentials"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/pkg/lg"
)

const defaultPort = "22"

// Dialer opens authenticated connections. It keeps one circuit breaker per
// host across jobs: once a host keeps refusing connections, later jobs fail
// fast with orchestrator.ErrConnection until the breaker half-opens.
type Dialer struct {
	// KnownHosts is a known_hosts file. Empty disables host key checking.
	KnownHosts  string
	DialTimeout time.Duration
	Resilience  ResilienceConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDialer(knownHosts string, dialTimeout time.Duration) *Dialer {
	return &Dialer{KnownHosts: knownHosts, DialTimeout: dialTimeout, Resilience: DefaultResilienceConfig()}
}

// Connector binds credentials to the dialer for one job.
func (d *Dialer) Connector(creds credentials.Credentials) orchestrator.Connector {
	return orchestrator.ConnectorFunc(func(ctx context.Context) (orchestrator.Session, error) {
		return d.Dial(ctx, creds)
	})
}

// Dial connects and authenticates. Errors wrap orchestrator.ErrCredential
// when the key material is unusable and orchestrator.ErrConnection otherwise.
func (d *Dialer) Dial(ctx context.Context, creds credentials.Credentials) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	auths, err := authMethods(creds)
	if err != nil {
		return nil, err
	}
	hostKeyCB, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	addr := creds.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}
	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCB,
		Timeout:         d.DialTimeout,
		BannerCallback:  func(string) error { return nil },
	}

	cb := d.breaker(addr)
	v, err := cb.Execute(func() (interface{}, error) {
		return d.connect(ctx, addr, cfg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", orchestrator.ErrConnection, addr, err)
	}
	if err != nil {
		return nil, err
	}

	lg.FromContext(ctx).Info("connected", lg.String("addr", addr), lg.String("user", creds.User))
	return newClient(v.(*ssh.Client), addr, d.resilience()), nil
}

func (d *Dialer) connect(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: d.DialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", orchestrator.ErrCanceled, addr, ctx.Err())
		}
		return nil, fmt.Errorf("%w: dial %s: %v", orchestrator.ErrConnection, addr, err)
	}
	// the handshake is not context aware
	if d.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.DialTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			_ = c.Close()
		}
		return nil, fmt.Errorf("%w: handshake with %s: %v", orchestrator.ErrCanceled, addr, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", orchestrator.ErrConnection, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(creds credentials.Credentials) ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := parseSigner(creds.PrivateKey, creds.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: private key: %v", orchestrator.ErrCredential, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auths = append(auths, ssh.Password(creds.Password))
	}
	return auths, nil
}

func parseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	s, err := ssh.ParsePrivateKey(key)
	if err == nil {
		return s, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errors.New("key is encrypted and no passphrase is configured")
	}
	return nil, err
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("%w: known_hosts: %v", orchestrator.ErrConnection, err)
	}
	return cb, nil
}

// Client is one authenticated connection. It runs commands one at a time,
// each on its own channel, and implements orchestrator.Session.
type Client struct {
	conn *ssh.Client
	addr string
	res  ResilienceConfig
}

var _ orchestrator.Session = (*Client)(nil)

func newClient(conn *ssh.Client, addr string, res ResilienceConfig) *Client {
	return &Client{conn: conn, addr: addr, res: res}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run starts command and waits for its exit status. A nonzero exit is an
// Outcome, not an error. If ctx ends first the remote process is sent
// SIGKILL, its channel is closed and ctx's error is returned.
func (c *Client) Run(ctx context.Context, command string) (orchestrator.Outcome, error) {
	sess, err := c.newSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return orchestrator.Outcome{}, ctx.Err()
		}
		return orchestrator.Outcome{}, fmt.Errorf("%w: open channel on %s: %v", orchestrator.ErrDispatch, c.addr, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	if err := sess.Start(command); err != nil {
		return orchestrator.Outcome{}, fmt.Errorf("%w: start: %v", orchestrator.ErrDispatch, err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return orchestrator.Outcome{}, ctx.Err()
	case err := <-done:
		out := orchestrator.Outcome{
			Command:  command,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err == nil {
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitStatus = exitErr.ExitStatus()
			return out, nil
		}
		return orchestrator.Outcome{}, fmt.Errorf("%w: %v", orchestrator.ErrDispatch, err)
	}
}

// newSession opens a channel, retrying with backoff.
func (c *Client) newSession(ctx context.Context) (*ssh.Session, error) {
	var sess *ssh.Session
	operation := func() error {
		var err error
		sess, err = c.conn.NewSession()
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.res.NewBackOff(), c.res.ChannelRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return sess, nil
}
