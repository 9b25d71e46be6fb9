// Package ssh executes commands and moves files on fleet nodes over SSH.
// Commands run through golang.org/x/crypto/ssh; directory trees are mirrored
// with rsync using the same key.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/adapter/shell"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// maxOutputInError bounds how much remote output is copied into an error
const maxOutputInError = 512

type client struct {
	user           string
	port           int
	keyFile        string
	knownHostsFile string
	dialTimeout    time.Duration
	commandTimeout time.Duration
	clientConfig   *ssh.ClientConfig
	run            shell.Runner
	log            *zap.Logger
}

// New loads the private key and returns a RemoteShell
func New(cfg *config.SSH, run shell.Runner, log *zap.Logger) (port.RemoteShell, error) {
	keyFile := expandHome(cfg.KeyFile)
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read ssh key: %v", domain.ErrMissingPrerequisite, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ssh key %s: %v", domain.ErrMissingPrerequisite, keyFile, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	knownHostsFile := expandHome(cfg.KnownHostsFile)
	if knownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: load known hosts: %v", domain.ErrMissingPrerequisite, err)
		}
	} else {
		log.Debug("Host key checking disabled, freshly provisioned nodes rotate their keys")
	}

	return &client{
		user:           cfg.User,
		port:           cfg.Port,
		keyFile:        keyFile,
		knownHostsFile: knownHostsFile,
		dialTimeout:    cfg.DialTimeout,
		commandTimeout: cfg.CommandTimeout,
		clientConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		run: run,
		log: log,
	}, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func (c *client) dial(ctx context.Context, address string) (*ssh.Client, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(c.port))
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, addr, err)
	}
	// the handshake must not outlive the dial timeout either
	conn.SetDeadline(time.Now().Add(c.dialTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, c.clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %v", domain.ErrTransport, addr, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// session runs cmd with the given stdio and classifies the result
func (c *client) session(ctx context.Context, address, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	cl, err := c.dial(ctx, address)
	if err != nil {
		return err
	}
	defer cl.Close()

	sess, err := cl.NewSession()
	if err != nil {
		return fmt.Errorf("%w: open session on %s: %v", domain.ErrTransport, address, err)
	}
	defer sess.Close()
	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		cl.Close()
		<-done
		return fmt.Errorf("%w: %q on %s: %v", domain.ErrRemoteCommand, firstWord(cmd), address, ctx.Err())
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return fmt.Errorf("%w: %q on %s exited %d", domain.ErrRemoteCommand, firstWord(cmd), address, exitErr.ExitStatus())
	default:
		return fmt.Errorf("%w: %q on %s: %v", domain.ErrTransport, firstWord(cmd), address, err)
	}
}

// bounded applies the default command timeout unless the caller set a deadline
func (c *client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.commandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.commandTimeout)
}

func (c *client) Run(ctx context.Context, address, cmd string) ([]byte, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	var out lockedBuffer
	c.log.Debug("ssh run", zap.String("address", address), zap.String("cmd", cmd))
	if err := c.session(ctx, address, cmd, nil, &out, &out); err != nil {
		if errors.Is(err, domain.ErrRemoteCommand) {
			return out.Bytes(), fmt.Errorf("%w: %s", err, tail(out.String()))
		}
		return out.Bytes(), err
	}
	return out.Bytes(), nil
}

// WriteFile streams data into a temp file beside path and renames it, so readers
// never see a partial file and stale content is fully replaced.
func (c *client) WriteFile(ctx context.Context, address, p string, data []byte, mode uint32) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	tmp := p + ".tmp"
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s && mv -f %s %s",
		shell.Quote(path.Dir(p)), shell.Quote(tmp), mode, shell.Quote(tmp), shell.Quote(tmp), shell.Quote(p))

	var out lockedBuffer
	if err := c.session(ctx, address, cmd, bytes.NewReader(data), &out, &out); err != nil {
		return fmt.Errorf("write %s: %w: %s", p, err, tail(out.String()))
	}
	return nil
}

func (c *client) sshCommand() string {
	opts := []string{
		"ssh",
		"-p", strconv.Itoa(c.port),
		"-i", shell.Quote(c.keyFile),
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(c.dialTimeout.Seconds())),
	}
	if c.knownHostsFile != "" {
		opts = append(opts, "-o", "StrictHostKeyChecking=yes", "-o", "UserKnownHostsFile="+shell.Quote(c.knownHostsFile))
	} else {
		opts = append(opts, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	}
	return strings.Join(opts, " ")
}

// Sync mirrors src into dest with rsync --delete. The remote parent directory is
// created first because rsync only creates the last path element.
func (c *client) Sync(ctx context.Context, address, src, dest string, excludes []string) error {
	if _, err := c.Run(ctx, address, "mkdir -p "+shell.Quote(dest)); err != nil {
		return fmt.Errorf("prepare %s: %w", dest, err)
	}

	args := []string{"-az", "--delete", "-e", c.sshCommand()}
	for _, ex := range excludes {
		args = append(args, "--exclude", ex)
	}
	args = append(args,
		strings.TrimSuffix(src, "/")+"/",
		fmt.Sprintf("%s@%s:%s/", c.user, address, strings.TrimSuffix(dest, "/")),
	)

	start := time.Now()
	if _, err := c.run.Run(ctx, "rsync", args...); err != nil {
		return fmt.Errorf("%w: rsync %s to %s: %v", domain.ErrTransport, src, address, err)
	}
	c.log.Debug("Synced tree", zap.String("address", address), zap.String("src", src), zap.Duration("took", time.Since(start)))
	return nil
}

// Stream runs cmd until it exits or ctx is cancelled; cancellation is not an error
func (c *client) Stream(ctx context.Context, address, cmd string, w io.Writer) error {
	err := c.session(ctx, address, cmd, nil, w, io.Discard)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// lockedBuffer collects stdout and stderr, which the session copies concurrently
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *lockedBuffer) String() string {
	return string(b.Bytes())
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputInError {
		s = "..." + s[len(s)-maxOutputInError:]
	}
	return s
}
