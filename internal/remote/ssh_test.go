package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshd accepts exec requests and records the commands it was asked to run.
type sshd struct {
	ln      net.Listener
	hostKey ssh.Signer
	config  *ssh.ServerConfig

	mu       sync.Mutex
	commands []string
	failOn   string
}

func newSSHD(t *testing.T, clientKey ssh.PublicKey) *sshd {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	s := &sshd{hostKey: hostKey}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	s.config.AddHostKey(hostKey)

	s.ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.ln.Close() })
	go s.serve()
	return s
}

func (s *sshd) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *sshd) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *sshd) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *sshd) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				fail := s.failOn != "" && strings.Contains(payload.Command, s.failOn)
				s.mu.Unlock()

				status := uint32(0)
				if fail {
					_, _ = ch.Stderr().Write([]byte("unit minecraft.service failed"))
					status = 3
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func clientKey(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(block), signer.PublicKey()
}

func newTestController(t *testing.T) (*Controller, *sshd) {
	t.Helper()
	pemKey, pub := clientKey(t)
	srv := newSSHD(t, pub)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.port()))}, srv.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	c, err := New(Config{
		User:           "minecraft",
		PrivateKey:     pemKey,
		KnownHostsFile: knownHosts,
		SSHPort:        srv.port(),
		DialTimeout:    time.Second,
		PollInterval:   5 * time.Millisecond,
		DataDir:        "/srv/world",
	})
	require.NoError(t, err)
	return c, srv
}

func TestStartStopRunConfiguredCommands(t *testing.T) {
	c, srv := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "127.0.0.1"))
	require.NoError(t, c.Stop(ctx, "127.0.0.1"))
	assert.Equal(t, []string{"sudo systemctl start minecraft", "sudo systemctl stop minecraft"}, srv.ran())
	assert.True(t, c.Reachable(ctx, "127.0.0.1"))
}

func TestCommandFailureCarriesExitStatus(t *testing.T) {
	c, srv := newTestController(t)
	srv.mu.Lock()
	srv.failOn = "stop"
	srv.mu.Unlock()

	err := c.Stop(context.Background(), "127.0.0.1")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.Status)
	assert.Contains(t, cmdErr.Error(), "unit minecraft.service failed")
}

func TestRestoreAndArchive(t *testing.T) {
	c, srv := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Restore(ctx, "127.0.0.1", models.ArchiveHandle{}))
	assert.Empty(t, srv.ran(), "nothing to restore")

	h := models.ArchiveHandle{Version: 7, Key: "backups/world-7.tar.gz", URL: "https://s3.example/worlds/backups/world-7.tar.gz?X-Amz-Signature=abc"}
	require.NoError(t, c.Restore(ctx, "127.0.0.1", h))
	require.NoError(t, c.Archive(ctx, "127.0.0.1", h))

	ran := srv.ran()
	require.Len(t, ran, 2)
	assert.Contains(t, ran[0], "curl -fsSL --retry 3 -o \"$tmp\" '"+h.URL+"'")
	assert.Contains(t, ran[0], "sudo tar -xzf \"$tmp\" -C '/srv/world'")
	assert.Contains(t, ran[1], "sudo tar -czf \"$tmp\" -C '/srv/world' .")
	assert.Contains(t, ran[1], "-X PUT -T \"$tmp\" '"+h.URL+"'")

	assert.Error(t, c.Archive(ctx, "127.0.0.1", models.ArchiveHandle{Key: "k"}))
}

func TestUnknownHostKeyRejected(t *testing.T) {
	pemKey, pub := clientKey(t)
	srv := newSSHD(t, pub)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))

	c, err := New(Config{PrivateKey: pemKey, KnownHostsFile: knownHosts, SSHPort: srv.port(), DialTimeout: time.Second})
	require.NoError(t, err)
	assert.False(t, c.Reachable(context.Background(), "127.0.0.1"))
	assert.Error(t, c.Start(context.Background(), "127.0.0.1"))
	assert.Empty(t, srv.ran())
}

func TestWaitReady(t *testing.T) {
	pemKey, _ := clientKey(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c, err := New(Config{PrivateKey: pemKey, GamePort: port, PollInterval: 5 * time.Millisecond, DialTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, c.Ready(ctx, "127.0.0.1"))
	err = c.WaitReady(ctx, "127.0.0.1", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)

	opened := make(chan net.Listener, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			opened <- nil
			return
		}
		opened <- l
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	require.NoError(t, c.WaitReady(ctx, "127.0.0.1", 2*time.Second))
	if l := <-opened; l != nil {
		_ = l.Close()
	}
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{PrivateKey: []byte("not a key")})
	assert.Error(t, err)
}

func TestShellQuoteAndRedact(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "curl 'https://h/k?…'", redact("curl 'https://h/k?X-Amz-Signature=secret'"))
}
