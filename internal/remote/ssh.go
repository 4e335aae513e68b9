// Package remote controls the game server process on a VM over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNotReady is returned by WaitReady when the game port never opened.
var ErrNotReady = errors.New("game server not ready")

// CommandError is a remote command that ran and exited non-zero.
type CommandError struct {
	Command string
	Status  int
	Output  string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[len(out)-512:]
	}
	return fmt.Sprintf("remote command exited %d: %s", e.Status, out)
}

type Config struct {
	User string
	// PrivateKey is a PEM encoded key; KeyFile is read when it is empty.
	PrivateKey []byte
	KeyFile    string
	// KnownHostsFile enables host key checking. Without it any host key
	// is accepted.
	KnownHostsFile string

	SSHPort  int
	GamePort int

	DialTimeout  time.Duration
	PollInterval time.Duration

	StartCommand string
	StopCommand  string
	// DataDir is the server's world directory on the VM.
	DataDir string
}

func (c *Config) applyDefaults() {
	if c.User == "" {
		c.User = "minecraft"
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	if c.GamePort == 0 {
		c.GamePort = 25565
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StartCommand == "" {
		c.StartCommand = "sudo systemctl start minecraft"
	}
	if c.StopCommand == "" {
		c.StopCommand = "sudo systemctl stop minecraft"
	}
	if c.DataDir == "" {
		c.DataDir = "/opt/minecraft/world"
	}
}

// Controller implements orchestrator.ProcessController.
type Controller struct {
	cfg     Config
	client  *ssh.ClientConfig
	log     *zap.Logger
	timeout time.Duration
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func New(cfg Config, opts ...Option) (*Controller, error) {
	cfg.applyDefaults()
	c := &Controller{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}

	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.KeyFile == "" {
			return nil, errors.New("remote: private key required")
		}
		raw, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("remote: read key: %w", err)
		}
		key = raw
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("remote: parse key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("remote: known hosts: %w", err)
		}
	} else {
		c.log.Warn("host key checking disabled, set a known_hosts file")
	}

	c.client = &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         cfg.DialTimeout,
	}
	return c, nil
}

func (c *Controller) Start(ctx context.Context, address string) error {
	return c.run(ctx, address, c.cfg.StartCommand)
}

func (c *Controller) Stop(ctx context.Context, address string) error {
	return c.run(ctx, address, c.cfg.StopCommand)
}

// Restore replaces the world directory with the archive at h.URL.
func (c *Controller) Restore(ctx context.Context, address string, h models.ArchiveHandle) error {
	if h.Empty() {
		return nil
	}
	return c.run(ctx, address, RestoreCommand(h.URL, c.cfg.DataDir))
}

// Archive packs the world directory and uploads it to h.URL.
func (c *Controller) Archive(ctx context.Context, address string, h models.ArchiveHandle) error {
	if h.URL == "" {
		return errors.New("remote: archive handle has no upload url")
	}
	return c.run(ctx, address, ArchiveCommand(h.URL, c.cfg.DataDir))
}

// WaitReady polls the game port until it accepts a connection.
func (c *Controller) WaitReady(ctx context.Context, address string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if c.Ready(ctx, address) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s", ErrNotReady, address, timeout)
		case <-ticker.C:
		}
	}
}

// Reachable reports whether an SSH session can be established.
func (c *Controller) Reachable(ctx context.Context, address string) bool {
	client, err := c.dial(ctx, address)
	if err != nil {
		c.log.Debug("ssh unreachable", zap.String("address", address), zap.Error(err))
		return false
	}
	_ = client.Close()
	return true
}

// Ready reports whether the game port accepts connections right now.
func (c *Controller) Ready(ctx context.Context, address string) bool {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(c.cfg.GamePort)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Controller) dial(ctx context.Context, address string) (*ssh.Client, error) {
	hostport := net.JoinHostPort(address, strconv.Itoa(c.cfg.SSHPort))
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, hostport, c.client)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// the handshake deadline must not cut long-running commands short
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

func (c *Controller) run(ctx context.Context, address, command string) error {
	client, err := c.dial(ctx, address)
	if err != nil {
		return fmt.Errorf("ssh %s: %w", address, err)
	}
	defer client.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	c.log.Debug("remote command", zap.String("address", address), zap.String("command", redact(command)))
	err = session.Run(command)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exit *ssh.ExitError
	if errors.As(err, &exit) {
		return &CommandError{Command: redact(command), Status: exit.ExitStatus(), Output: out.String()}
	}
	if err != nil {
		return fmt.Errorf("ssh run: %w", err)
	}
	return nil
}

// RestoreCommand downloads an archive and unpacks it in place of dataDir.
func RestoreCommand(url, dataDir string) string {
	dir := shellQuote(dataDir)
	return strings.Join([]string{
		"set -e",
		"tmp=$(mktemp)",
		`trap 'rm -f "$tmp"' EXIT`,
		"curl -fsSL --retry 3 -o \"$tmp\" " + shellQuote(url),
		"sudo rm -rf " + dir,
		"sudo mkdir -p " + dir,
		"sudo tar -xzf \"$tmp\" -C " + dir,
		"sudo chown -R minecraft:minecraft " + dir,
	}, "; ")
}

// ArchiveCommand packs dataDir and uploads it with a presigned PUT.
func ArchiveCommand(url, dataDir string) string {
	return strings.Join([]string{
		"set -e",
		"tmp=$(mktemp)",
		`trap 'rm -f "$tmp"' EXIT`,
		"sudo tar -czf \"$tmp\" -C " + shellQuote(dataDir) + " .",
		"curl -fsS --retry 3 -X PUT -T \"$tmp\" " + shellQuote(url),
	}, "; ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// redact drops presigned query strings from logged commands.
func redact(command string) string {
	var b strings.Builder
	for i, field := range strings.Split(command, " ") {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.HasPrefix(field, "'http") {
			if j := strings.IndexByte(field, '?'); j >= 0 {
				field = field[:j] + "?…'"
			}
		}
		b.WriteString(field)
	}
	return b.String()
}
