package store

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshShell runs commands on a store host over SSH. The connection is dialed
// lazily and reused; a failed run drops it so the next call redials.
type sshShell struct {
	host string // [user@]host[:port]

	mu     sync.Mutex
	client *ssh.Client
}

func newSSHShell(host string) *sshShell {
	return &sshShell{host: host}
}

func (s *sshShell) run(ctx context.Context, command string) ([]byte, error) {
	session, cleanup, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := session.Output(command)
	if err != nil {
		s.drop()
		var stderr string
		if ee, ok := err.(*ssh.ExitError); ok {
			stderr = strings.TrimSpace(ee.Msg())
		}
		return nil, fmt.Errorf("ssh %s: command %q failed: %w (stderr: %s)",
			s.host, command, err, stderr)
	}
	return out, nil
}

func (s *sshShell) stream(ctx context.Context, command string) (io.ReadCloser, error) {
	session, cleanup, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	out, err := session.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := session.Start(command); err != nil {
		cleanup()
		return nil, err
	}
	return &sshStream{out: out, session: session, cleanup: cleanup}, nil
}

type sshStream struct {
	out     io.Reader
	session *ssh.Session
	cleanup func()
}

func (s *sshStream) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *sshStream) Close() error {
	err := s.session.Wait()
	s.cleanup()
	return err
}

// session returns a fresh session on the shared client plus a cleanup func.
func (s *sshShell) session(ctx context.Context) (*ssh.Session, func(), error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		s.drop()
		return nil, nil, fmt.Errorf("ssh %s: %w", s.host, err)
	}

	// Kill the remote command if the context expires mid-run.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	cleanup := func() {
		close(done)
		session.Close()
	}
	return session, cleanup, nil
}

func (s *sshShell) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	userName, host, port := splitHost(s.host)

	auth, err := authMethods()
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", s.host, err)
	}

	cfg := &ssh.ClientConfig{
		User:            userName,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(),
		Timeout:         15 * time.Second,
	}

	conn, err := (&net.Dialer{Timeout: cfg.Timeout}).DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", s.host, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, host, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh %s: %w", s.host, err)
	}
	s.client = ssh.NewClient(c, chans, reqs)
	return s.client, nil
}

func (s *sshShell) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// splitHost parses [user@]host[:port], defaulting to the current user and
// port 22.
func splitHost(spec string) (userName, host, port string) {
	host = spec
	if i := strings.Index(host, "@"); i >= 0 {
		userName, host = host[:i], host[i+1:]
	}
	if userName == "" {
		if u, err := user.Current(); err == nil {
			userName = u.Username
		}
	}
	port = "22"
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	return userName, host, port
}

// authMethods prefers a running SSH agent, falling back to the usual
// unencrypted key files.
func authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			key, err := os.ReadFile(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable SSH credentials (no agent, no key files)")
	}
	return methods, nil
}

// hostKeyCallback uses ~/.ssh/known_hosts when present. Stores live inside
// the observatory network, so an absent file degrades to accept-any rather
// than making every store unreachable.
func hostKeyCallback() ssh.HostKeyCallback {
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if cb, err := knownhosts.New(path); err == nil {
			return cb
		}
	}
	return ssh.InsecureIgnoreHostKey()
}
