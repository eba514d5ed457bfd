package apply

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/nicholasvmoore/labforge/pkg/faults"
)

// host is one reachable guest the runner can act on. Implementations close
// over a live transport; Close releases it.
type host interface {
	// Run executes a command and returns its output and exit code. A
	// non-zero exit code is reported through exitCode, not err; err is
	// reserved for transport failures.
	Run(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error)

	// Upload writes data to a path on the host, creating parent directories.
	Upload(ctx context.Context, remotePath string, data []byte) error

	Close() error
}

// dialer opens a host connection. The production implementation speaks SSH;
// tests substitute an in-memory fake.
type dialer interface {
	Dial(ctx context.Context, address string) (host, error)
}

// sshDialer dials guests with public key authentication.
type sshDialer struct {
	config *ssh.ClientConfig
	port   int
}

// newSSHDialer loads the private key and builds the client config once; the
// same dialer serves every member of the run.
func newSSHDialer(user, privateKeyPath string, port int, connectTimeout time.Duration) (*sshDialer, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, faults.Validation(fmt.Sprintf("read private key %s", privateKeyPath), err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, faults.Validation("parse private key", err)
	}

	return &sshDialer{
		config: &ssh.ClientConfig{
			User: user,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Lab guests are freshly provisioned and have no recorded host
			// keys yet.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         connectTimeout,
		},
		port: port,
	}, nil
}

// Dial implements dialer. The dial itself respects the context by running in
// a goroutine, matching how long-running blocking calls are bounded
// elsewhere in the codebase.
func (d *sshDialer) Dial(ctx context.Context, address string) (host, error) {
	target := net.JoinHostPort(address, fmt.Sprintf("%d", d.port))

	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", target, d.config)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- client
	}()

	select {
	case <-ctx.Done():
		return nil, faults.Internal("run cancelled", ctx.Err()).WithOp("dial")
	case err := <-errCh:
		return nil, faults.Unavailable(fmt.Sprintf("ssh dial %s", target), err).WithOp("dial")
	case client := <-connCh:
		return &sshHost{client: client}, nil
	}
}

// sshHost runs commands over one SSH connection.
type sshHost struct {
	client *ssh.Client
}

// Run implements host.
func (h *sshHost) Run(ctx context.Context, cmd string) (string, string, int, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return "", "", -1, faults.Unavailable("create ssh session", err).WithOp("run")
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		runErr = faults.Internal("run cancelled", ctx.Err()).WithOp("run")
	case runErr = <-done:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return stdout, stderr, exitErr.ExitStatus(), nil
		}
		return stdout, stderr, -1, runErr
	}
	return stdout, stderr, 0, nil
}

// Upload implements host using SFTP over the existing connection.
func (h *sshHost) Upload(ctx context.Context, remotePath string, data []byte) error {
	client, err := sftp.NewClient(h.client)
	if err != nil {
		return faults.Unavailable("open sftp channel", err).WithOp("upload")
	}
	defer client.Close()

	if err := ctx.Err(); err != nil {
		return faults.Internal("run cancelled", err).WithOp("upload")
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return faults.Internal(fmt.Sprintf("create remote directory %s", dir), err).WithOp("upload")
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return faults.Internal(fmt.Sprintf("create remote file %s", remotePath), err).WithOp("upload")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return faults.Internal(fmt.Sprintf("write remote file %s", remotePath), err).WithOp("upload")
	}
	return nil
}

// Close implements host.
func (h *sshHost) Close() error {
	return h.client.Close()
}
