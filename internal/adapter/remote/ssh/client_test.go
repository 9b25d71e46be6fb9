package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

// testServer executes exec requests with the local shell
func testServer(t *testing.T, authorized ssh.PublicKey) int {
	t.Helper()
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, in, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range in {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)

				cmd := exec.Command("sh", "-c", payload.Command)
				cmd.Stdin = ch
				cmd.Stdout = ch
				cmd.Stderr = ch.Stderr()
				code := 0
				if err := cmd.Run(); err != nil {
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) {
						code = exitErr.ExitCode()
					} else {
						code = 255
					}
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				return
			}
		}()
	}
}

type recordingRunner struct {
	name string
	args []string
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.name, r.args = name, args
	return nil, r.err
}

func newTestClient(t *testing.T, run *recordingRunner) (*client, int) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	port := testServer(t, sshPub)

	rs, err := New(&config.SSH{
		User:           "ubuntu",
		Port:           port,
		KeyFile:        keyFile,
		DialTimeout:    2 * time.Second,
		CommandTimeout: 10 * time.Second,
	}, run, zaptest.NewLogger(t))
	require.NoError(t, err)
	return rs.(*client), port
}

func TestRunReturnsOutput(t *testing.T) {
	c, _ := newTestClient(t, &recordingRunner{})

	out, err := c.Run(context.Background(), "127.0.0.1", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestRunClassifiesExitStatus(t *testing.T) {
	c, _ := newTestClient(t, &recordingRunner{})

	_, err := c.Run(context.Background(), "127.0.0.1", "echo broken >&2; exit 4")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteCommand)
	assert.Contains(t, err.Error(), "exited 4")
	assert.Contains(t, err.Error(), "broken")
}

func TestRunTimeoutIsRemoteCommandFailure(t *testing.T) {
	c, _ := newTestClient(t, &recordingRunner{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Run(ctx, "127.0.0.1", "sleep 2")
	assert.ErrorIs(t, err, domain.ErrRemoteCommand)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestUnreachableNodeIsTransportFailure(t *testing.T) {
	c, _ := newTestClient(t, &recordingRunner{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c.port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = c.Run(context.Background(), "127.0.0.1", "true")
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestWriteFileReplacesContent(t *testing.T) {
	c, _ := newTestClient(t, &recordingRunner{})
	target := filepath.Join(t.TempDir(), "app", ".env")
	ctx := context.Background()

	require.NoError(t, c.WriteFile(ctx, "127.0.0.1", target, []byte("A=1\nB=2\nC=3\n"), 0o600))
	require.NoError(t, c.WriteFile(ctx, "127.0.0.1", target, []byte("A=9\n"), 0o600))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "A=9\n", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(target + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSyncBuildsRsyncInvocation(t *testing.T) {
	run := &recordingRunner{}
	c, port := newTestClient(t, run)
	dest := filepath.Join(t.TempDir(), "worker")

	require.NoError(t, c.Sync(context.Background(), "127.0.0.1", "/src/app/", dest, []string{".git", "output"}))

	assert.Equal(t, "rsync", run.name)
	joined := strings.Join(run.args, " ")
	assert.Contains(t, joined, "--delete")
	assert.Contains(t, joined, "--exclude .git --exclude output")
	assert.Contains(t, joined, fmt.Sprintf("-p %d", port))
	assert.Equal(t, "/src/app/", run.args[len(run.args)-2])
	assert.Equal(t, "ubuntu@127.0.0.1:"+dest+"/", run.args[len(run.args)-1])

	_, err := os.Stat(dest)
	assert.NoError(t, err, "remote directory is created before rsync")
}

func TestSyncFailureIsTransportFailure(t *testing.T) {
	c, _ := newTestClient(t, &recordingRunner{err: errors.New("exit status 255")})

	err := c.Sync(context.Background(), "127.0.0.1", "/src", filepath.Join(t.TempDir(), "w"), nil)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestStream(t *testing.T) {
	c, _ := newTestClient(t, &recordingRunner{})
	var buf bytes.Buffer

	require.NoError(t, c.Stream(context.Background(), "127.0.0.1", "printf 'a\\nb\\n'", &buf))
	assert.Equal(t, "a\nb\n", buf.String())
}
