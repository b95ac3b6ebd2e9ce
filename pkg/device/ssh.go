package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/flowagent-network/flowagent/pkg/credentials"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// DefaultAuthRetryDelay is the pause before the single retry that follows an
// authentication failure.
const DefaultAuthRetryDelay = 6 * time.Second

// sshConn is one SSH connection to a router. Every driver call dials its own
// and closes it before returning.
type sshConn struct {
	client *ssh.Client
}

// errAuth marks an SSH handshake rejected by the server's authentication.
var errAuth = errors.New("ssh authentication failed")

func clientConfig(creds *credentials.Credentials) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch {
	case creds.Password != "":
		auth = append(auth, ssh.Password(creds.Password))
		// Some IOS-XR and VRP images only offer keyboard-interactive.
		auth = append(auth, ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = creds.Password
			}
			return answers, nil
		}))
	case creds.KeyFile != "":
		pem, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %s: %v", util.ErrInvalidCredentials, creds.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing key %s: %v", util.ErrInvalidCredentials, creds.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	return &ssh.ClientConfig{
		User: creds.User,
		Auth: auth,
		// Routers are addressed by IP from operator config; there is no
		// known_hosts distribution for them.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         creds.Timeout,
	}, nil
}

// dialSSH opens a connection. The timeout bounds the connect and handshake
// phase only.
func dialSSH(ctx context.Context, creds *credentials.Credentials) (*sshConn, error) {
	config, err := clientConfig(creds)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: creds.Timeout}
	raw, err := d.DialContext(ctx, "tcp", creds.Address())
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", creds.Address(), err)
	}
	if creds.Timeout > 0 {
		raw.SetDeadline(time.Now().Add(creds.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, creds.Address(), config)
	if err != nil {
		raw.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", errAuth, err)
		}
		return nil, fmt.Errorf("SSH handshake %s: %w", creds.Address(), err)
	}
	raw.SetDeadline(time.Time{})
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

func isAuthError(err error) bool {
	var se *ssh.ServerAuthError
	if errors.As(err, &se) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// Exec runs one command on a fresh session and returns stdout split into
// lines with trailing "\r\n" removed.
func (c *sshConn) Exec(cmd string) ([]string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.Output(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) || len(output) == 0 {
			return nil, fmt.Errorf("SSH exec '%s': %w", cmd, err)
		}
		// Several NOS builds exit non-zero after printing a valid table.
	}
	return splitLines(string(output)), nil
}

// Shell opens an interactive PTY session.
func (c *sshConn) Shell() (*shell, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w", err)
	}
	modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 38400, ssh.TTY_OP_OSPEED: 38400}
	if err := session.RequestPty("vt100", 0, 512, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH shell: %w", err)
	}
	sh := &shell{session: session, stdin: stdin, buf: newStreamBuffer()}
	go sh.buf.fill(stdout)
	return sh, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimRight(s, "\r\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

// shell is an interactive session whose output accumulates in buf.
type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	buf     *streamBuffer
}

func (s *shell) Send(line string) error {
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

func (s *shell) Close() error {
	s.stdin.Close()
	return s.session.Close()
}
