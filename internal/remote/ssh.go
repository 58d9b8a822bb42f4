package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/markim/hetz-prox/internal/run"
)

// SSHRunner implements Runner over a password-authenticated SSH connection
// to the forwarded endpoint.
type SSHRunner struct {
	client *ssh.Client
}

// DialSSH connects to addr as root with the install credential. Host keys
// are not verified: the endpoint is a loopback forward to a machine this
// run just created, so there is no prior identity to check against.
func DialSSH(addr, password string) (*SSHRunner, error) {
	config := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &SSHRunner{client: client}, nil
}

// Run executes command in a fresh session and captures combined output. A
// remote non-zero exit is reported in the Result, mirroring local run.Command.
func (r *SSHRunner) Run(ctx context.Context, command string) (run.Result, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return run.Result{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return run.Result{Output: output.String()}, ctx.Err()
	case err := <-done:
		result := run.Result{Output: output.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return result, fmt.Errorf("run %q: %w", command, err)
		}
		return result, nil
	}
}

// Push writes body to dest over SFTP, creating parent directories as needed.
func (r *SSHRunner) Push(ctx context.Context, dest string, body []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := sftp.NewClient(r.client)
	if err != nil {
		return fmt.Errorf("open sftp channel: %w", err)
	}
	defer client.Close()

	if dir := path.Dir(dest); dir != "/" && dir != "." {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	file, err := client.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := file.Write(body); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	if err := client.Chmod(dest, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", dest, err)
	}
	return nil
}

// Close tears down the SSH connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}
