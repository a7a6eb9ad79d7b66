package sshexec

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/remexec/internal/batch"
	"github.com/andrej220/remexec/internal/credentials"
	"github.com/andrej220/remexec/internal/orchestrator"
)

// testServer is a minimal in-process SSH server. Commands it understands:
//
//	echo <text>  stdout "<text>\n", exit 0
//	fail         stderr "boom\n", exit 3
//	sleep        never exits; waits for the client to close the channel
//	noexit       closes the channel without an exit status
type testServer struct {
	addr    string
	hostKey ssh.PublicKey

	mu       sync.Mutex
	commands []string
	signals  []string
}

func startTestServer(t *testing.T, password string, authorized ssh.PublicKey) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if password != "" && string(pw) == password {
				return nil, nil
			}
			return nil, assert.AnError
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{addr: ln.Addr().String(), hostKey: hostSigner.PublicKey()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, cfg)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return s
}

func (s *testServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "")
			continue
		}
		ch, in, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.serveChannel(ch, in)
	}
}

func (s *testServer) serveChannel(ch ssh.Channel, in <-chan *ssh.Request) {
	defer ch.Close()
	for req := range in {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, p.Command)
			s.mu.Unlock()
			go s.exec(ch, p.Command)
		case "signal":
			var p struct{ Signal string }
			_ = ssh.Unmarshal(req.Payload, &p)
			s.mu.Lock()
			s.signals = append(s.signals, p.Signal)
			s.mu.Unlock()
			_ = req.Reply(true, nil)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func exitStatus(ch ssh.Channel, status uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	_ = ch.Close()
}

func (s *testServer) exec(ch ssh.Channel, command string) {
	switch {
	case command == "fail":
		_, _ = ch.Stderr().Write([]byte("boom\n"))
		exitStatus(ch, 3)
	case command == "sleep":
	case command == "noexit":
		_ = ch.Close()
	case len(command) > 5 && command[:5] == "echo ":
		_, _ = ch.Write([]byte(command[5:] + "\n"))
		exitStatus(ch, 0)
	default:
		_, _ = ch.Stderr().Write([]byte("unknown command\n"))
		exitStatus(ch, 127)
	}
}

func (s *testServer) received() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...), append([]string(nil), s.signals...)
}

func newKey(t *testing.T, passphrase string) (ssh.PublicKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	require.NoError(t, err)
	return sshPub, pem.EncodeToMemory(block)
}

func batchOf(commands ...string) batch.Batch {
	return batch.Batch{Product: "test", Commands: commands}
}

func testDialer() *Dialer {
	return NewDialer("", 5*time.Second)
}

func TestRunWithPassword(t *testing.T) {
	srv := startTestServer(t, "secret", nil)

	client, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: srv.addr, User: "lpgs", Password: "secret"})
	require.NoError(t, err)
	defer client.Close()

	out, err := client.Run(context.Background(), "echo pbs_job_name=sync")
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitStatus)
	assert.Equal(t, "pbs_job_name=sync\n", out.Stdout)
	assert.Equal(t, "echo pbs_job_name=sync", out.Command)
}

func TestRunWithKeyAndExitStatus(t *testing.T) {
	pub, pemKey := newKey(t, "")
	srv := startTestServer(t, "", pub)

	client, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: srv.addr, User: "lpgs", PrivateKey: pemKey})
	require.NoError(t, err)
	defer client.Close()

	out, err := client.Run(context.Background(), "fail")
	require.NoError(t, err, "a nonzero exit is an outcome, not an error")
	assert.Equal(t, 3, out.ExitStatus)
	assert.Equal(t, "boom\n", out.Stderr)

	out, err = client.Run(context.Background(), "echo again")
	require.NoError(t, err)
	assert.Equal(t, "again\n", out.Stdout)

	commands, _ := srv.received()
	assert.Equal(t, []string{"fail", "echo again"}, commands)
}

func TestEncryptedKey(t *testing.T) {
	pub, pemKey := newKey(t, "hunter2")
	srv := startTestServer(t, "", pub)

	_, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: srv.addr, User: "u", PrivateKey: pemKey})
	assert.ErrorIs(t, err, orchestrator.ErrCredential)

	client, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: srv.addr, User: "u", PrivateKey: pemKey, Passphrase: "hunter2"})
	require.NoError(t, err)
	_ = client.Close()
}

func TestBadKeyMaterial(t *testing.T) {
	_, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: "127.0.0.1", User: "u", PrivateKey: []byte("not a key")})
	assert.ErrorIs(t, err, orchestrator.ErrCredential)
}

func TestAuthFailureIsConnectionError(t *testing.T) {
	srv := startTestServer(t, "secret", nil)

	_, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: srv.addr, User: "u", Password: "wrong"})
	assert.ErrorIs(t, err, orchestrator.ErrConnection)
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = testDialer().Dial(context.Background(), credentials.Credentials{Host: addr, User: "u", Password: "p"})
	assert.ErrorIs(t, err, orchestrator.ErrConnection)
}

func TestKnownHosts(t *testing.T) {
	srv := startTestServer(t, "secret", nil)
	creds := credentials.Credentials{Host: srv.addr, User: "u", Password: "secret"}
	dir := t.TempDir()

	good := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(good, []byte(knownhosts.Line([]string{srv.addr}, srv.hostKey)+"\n"), 0o600))
	client, err := NewDialer(good, 5*time.Second).Dial(context.Background(), creds)
	require.NoError(t, err)
	_ = client.Close()

	other, _ := newKey(t, "")
	bad := filepath.Join(dir, "known_hosts.bad")
	require.NoError(t, os.WriteFile(bad, []byte(knownhosts.Line([]string{srv.addr}, other)+"\n"), 0o600))
	_, err = NewDialer(bad, 5*time.Second).Dial(context.Background(), creds)
	assert.ErrorIs(t, err, orchestrator.ErrConnection)
}

func TestRunCanceledKillsRemote(t *testing.T) {
	srv := startTestServer(t, "secret", nil)
	client, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: srv.addr, User: "u", Password: "secret"})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.Run(ctx, "sleep")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Eventually(t, func() bool {
		_, signals := srv.received()
		return len(signals) == 1 && signals[0] == "KILL"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMissingExitStatusIsDispatchError(t *testing.T) {
	srv := startTestServer(t, "secret", nil)
	client, err := testDialer().Dial(context.Background(), credentials.Credentials{Host: srv.addr, User: "u", Password: "secret"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Run(context.Background(), "noexit")
	assert.ErrorIs(t, err, orchestrator.ErrDispatch)
}

func TestConnectorDrivesOrchestrator(t *testing.T) {
	srv := startTestServer(t, "secret", nil)
	conn := testDialer().Connector(credentials.Credentials{Host: srv.addr, User: "u", Password: "secret"})

	res := orchestrator.New(conn, orchestrator.Config{}).Run(context.Background(), batchOf("echo a=1", "fail", "echo never"))

	assert.Equal(t, orchestrator.KindCommand, res.Kind)
	assert.Equal(t, 3, res.Status)
	assert.Equal(t, 2, res.CommandsRun)
	assert.Equal(t, "fail", res.FailedCommand)
	commands, _ := srv.received()
	assert.Equal(t, []string{"echo a=1", "fail"}, commands)
}

func TestBreakerOpensPerHostAcrossJobs(t *testing.T) {
	srv := startTestServer(t, "secret", nil)
	d := testDialer()
	wrong := credentials.Credentials{Host: srv.addr, User: "u", Password: "wrong"}

	for i := 0; i < 3; i++ {
		_, err := d.Dial(context.Background(), wrong)
		require.ErrorIs(t, err, orchestrator.ErrConnection)
		require.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, gobreaker.StateOpen, d.breaker(srv.addr).State())

	// the next job fails fast even with good credentials
	conn := d.Connector(credentials.Credentials{Host: srv.addr, User: "u", Password: "secret"})
	res := orchestrator.New(conn, orchestrator.Config{}).Run(context.Background(), batchOf("echo a"))
	assert.Equal(t, orchestrator.KindConnection, res.Kind)
	assert.Equal(t, orchestrator.StatusRemote, res.Status)
	assert.Contains(t, res.Message, gobreaker.ErrOpenState.Error())
	commands, _ := srv.received()
	assert.Empty(t, commands)

	// other hosts are unaffected
	other := startTestServer(t, "secret", nil)
	client, err := d.Dial(context.Background(), credentials.Credentials{Host: other.addr, User: "u", Password: "secret"})
	require.NoError(t, err)
	_ = client.Close()
}

func TestBreakerIgnoresCanceledAndKeyErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := testDialer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := d.Dial(ctx, credentials.Credentials{Host: addr, User: "u", Password: "p"})
		assert.ErrorIs(t, err, orchestrator.ErrCanceled)
		_, err = d.Dial(context.Background(), credentials.Credentials{Host: addr, User: "u", PrivateKey: []byte("not a key")})
		assert.ErrorIs(t, err, orchestrator.ErrCredential)
	}
	assert.Equal(t, gobreaker.StateClosed, d.breaker(addr).State())
}
