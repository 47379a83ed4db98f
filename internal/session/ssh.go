package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/skeema/knownhosts"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
)

const defaultSSHPort = 22

// SSHOptions configures SSHDialer.
type SSHOptions struct {
	KnownHostsFiles       []string
	InsecureIgnoreHostKey bool
	IdentityFiles         []string
	UseAgent              bool
	// ConfigFile is an ssh_config file used to resolve host aliases. Empty
	// uses the user's ~/.ssh/config and the system file.
	ConfigFile     string
	ConnectTimeout time.Duration
	// RequestPTY allocates a terminal for each command so tools that only
	// prompt on a TTY still do. stdout and stderr are merged.
	RequestPTY bool
	KeepAlive  time.Duration
}

// SSHOptionsFromConfig expands paths from the ssh config section.
func SSHOptionsFromConfig(c config.SSHConfig) (SSHOptions, error) {
	opts := SSHOptions{
		InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
		UseAgent:              c.UseAgent,
		ConnectTimeout:        c.ConnectTimeout.Duration(),
		RequestPTY:            c.RequestPTY,
		KeepAlive:             c.KeepAlive.Duration(),
	}
	if c.KnownHosts != "" {
		p, err := config.ExpandPath(c.KnownHosts)
		if err != nil {
			return SSHOptions{}, err
		}
		opts.KnownHostsFiles = []string{p}
	}
	for _, f := range c.IdentityFiles {
		p, err := config.ExpandPath(f)
		if err != nil {
			return SSHOptions{}, err
		}
		opts.IdentityFiles = append(opts.IdentityFiles, p)
	}
	if c.ConfigFile != "" {
		p, err := config.ExpandPath(c.ConfigFile)
		if err != nil {
			return SSHOptions{}, err
		}
		opts.ConfigFile = p
	}
	return opts, nil
}

// SSHDialer connects to remote hosts over SSH.
type SSHDialer struct {
	opts      SSHOptions
	creds     CredentialResolver
	logger    *logging.Logger
	sshConfig *ssh_config.Config
}

// NewSSHDialer creates a dialer. creds may be nil when only identity files or
// the agent are used.
func NewSSHDialer(opts SSHOptions, creds CredentialResolver, logger *logging.Logger) (*SSHDialer, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	d := &SSHDialer{opts: opts, creds: creds, logger: logger.Named("ssh")}
	if opts.ConfigFile != "" {
		f, err := os.Open(opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open ssh config: %w", err)
		}
		defer f.Close()
		cfg, err := ssh_config.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh config: %w", err)
		}
		d.sshConfig = cfg
	}
	return d, nil
}

// target is a server after alias resolution.
type target struct {
	addr       string
	user       string
	identities []string
}

func (d *SSHDialer) lookup(alias, key string) string {
	if d.sshConfig != nil {
		v, err := d.sshConfig.Get(alias, key)
		if err != nil {
			return ""
		}
		return v
	}
	return ssh_config.Get(alias, key)
}

func (d *SSHDialer) resolve(server deployment.ServerInfo) target {
	hostname := d.lookup(server.Host, "HostName")
	if hostname == "" {
		hostname = server.Host
	}

	port := server.Port
	if port == 0 {
		if p, err := strconv.Atoi(d.lookup(server.Host, "Port")); err == nil && p > 0 {
			port = p
		} else {
			port = defaultSSHPort
		}
	}

	user := server.User
	if user == "" {
		user = d.lookup(server.Host, "User")
	}
	if user == "" {
		user = "root"
	}

	t := target{addr: net.JoinHostPort(hostname, strconv.Itoa(port)), user: user}
	if id := d.lookup(server.Host, "IdentityFile"); id != "" {
		if p, err := config.ExpandPath(id); err == nil {
			t.identities = append(t.identities, p)
		}
	}
	t.identities = append(t.identities, d.opts.IdentityFiles...)
	return t
}

// Connect dials the server, verifies its host key, and authenticates.
func (d *SSHDialer) Connect(ctx context.Context, server deployment.ServerInfo) (Session, error) {
	if server.Host == "" {
		return nil, &ConnectionError{Host: "", Err: errors.New("no host given")}
	}
	t := d.resolve(server)
	fail := func(err error) (Session, error) {
		return nil, &ConnectionError{Host: t.addr, Err: err}
	}

	auth, agentConn, err := d.authMethods(ctx, server, t)
	if err != nil {
		return fail(err)
	}
	closeAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	hostKeyCallback, algorithms, err := d.hostKeys(t.addr)
	if err != nil {
		closeAgent()
		return fail(err)
	}

	clientCfg := &ssh.ClientConfig{
		User:              t.user,
		Auth:              auth,
		HostKeyCallback:   hostKeyCallback,
		HostKeyAlgorithms: algorithms,
		Timeout:           d.opts.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		closeAgent()
		return fail(err)
	}
	if d.opts.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.opts.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		closeAgent()
		if knownhosts.IsHostKeyChanged(err) {
			return fail(fmt.Errorf("host key mismatch, refusing to connect: %w", err))
		}
		if knownhosts.IsHostUnknown(err) {
			return fail(fmt.Errorf("host not present in known_hosts: %w", err))
		}
		return fail(err)
	}
	_ = conn.SetDeadline(time.Time{})

	s := &sshSession{
		client:    ssh.NewClient(c, chans, reqs),
		host:      t.addr,
		pty:       d.opts.RequestPTY,
		agentConn: agentConn,
		stop:      make(chan struct{}),
		logger:    d.logger,
	}
	if d.opts.KeepAlive > 0 {
		go s.keepAlive(d.opts.KeepAlive)
	}
	d.logger.Debug(ctx, "ssh connected", zap.String("addr", t.addr), zap.String("user", t.user))
	return s, nil
}

func (d *SSHDialer) authMethods(ctx context.Context, server deployment.ServerInfo, t target) ([]ssh.AuthMethod, net.Conn, error) {
	var (
		methods []ssh.AuthMethod
		signers []ssh.Signer
	)

	if d.creds != nil && server.AuthRef != "" {
		cred, err := d.creds.Resolve(ctx, server.AuthRef)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve auth_ref: %w", err)
		}
		d.logger.Debug(ctx, "auth_ref resolved",
			logging.Credential("password", cred.Password),
			zap.Bool("has_private_key", len(cred.PrivateKey) > 0))
		if len(cred.PrivateKey) > 0 {
			signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse private key from auth_ref: %w", err)
			}
			signers = append(signers, signer)
		}
		if cred.Password.IsSet() {
			pw := cred.Password.Value()
			methods = append(methods,
				ssh.Password(pw),
				ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
					answers := make([]string, len(questions))
					for i := range answers {
						answers[i] = pw
					}
					return answers, nil
				}),
			)
		}
	}

	for _, path := range t.identities {
		pem, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				d.logger.Debug(ctx, "skipping identity file", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				d.logger.Debug(ctx, "skipping encrypted identity file, use the agent", zap.String("path", path))
				continue
			}
			return nil, nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		signers = append(signers, signer)
	}

	var agentConn net.Conn
	if d.opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				d.logger.Warn(ctx, "ssh agent unavailable", zap.Error(err))
			} else {
				agentConn = conn
			}
		}
	}

	// x/crypto tries each method name once, so all keys share one method.
	if len(signers) > 0 || agentConn != nil {
		agentClient := agentConn
		methods = append([]ssh.AuthMethod{ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			all := append([]ssh.Signer(nil), signers...)
			if agentClient != nil {
				fromAgent, err := agent.NewClient(agentClient).Signers()
				if err == nil {
					all = append(all, fromAgent...)
				}
			}
			return all, nil
		})}, methods...)
	}

	if len(methods) == 0 {
		return nil, nil, errors.New("no authentication method available: set auth_ref, identity files, or use_agent")
	}
	return methods, agentConn, nil
}

func (d *SSHDialer) hostKeys(addr string) (ssh.HostKeyCallback, []string, error) {
	if d.opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil, nil //nolint:gosec // operator opted out
	}
	var files []string
	for _, f := range d.opts.KnownHostsFiles {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, nil, errors.New("no known_hosts file found; add the host key or set ssh.insecure_ignore_host_key")
	}
	kh, err := knownhosts.New(files...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return kh.HostKeyCallback(), kh.HostKeyAlgorithms(addr), nil
}

type sshSession struct {
	client    *ssh.Client
	host      string
	pty       bool
	agentConn net.Conn
	logger    *logging.Logger

	stop      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (s *sshSession) Host() string { return s.host }

func (s *sshSession) Exec(ctx context.Context, command string, timeout time.Duration) (*Stream, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Host: s.host, Err: err}
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	if s.pty {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm", 50, 200, modes); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("failed to request pty: %w", err)
		}
	}

	stream := NewStream(stdin, func() {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	}, timeout)
	sess.Stdout = stream
	sess.Stderr = stream

	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return nil, &ConnectionError{Host: s.host, Err: err}
	}

	stop := context.AfterFunc(ctx, stream.Terminate)
	go func() {
		err := sess.Wait()
		stop()
		_ = sess.Close()
		stream.Finish(sshExitStatus(s.host, err))
	}()
	return stream, nil
}

func sshExitStatus(host string, err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return ExitStatus{Code: exitErr.ExitStatus()}
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) || errors.Is(err, io.EOF) {
		return ExitStatus{Code: -1, Err: &ConnectionError{Host: host, Err: err}}
	}
	return ExitStatus{Code: -1, Err: err}
}

func (s *sshSession) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.logger.Warn(context.Background(), "ssh keepalive failed", zap.String("addr", s.host), zap.Error(err))
				return
			}
		}
	}
}

// Close closes the connection and any agent socket.
func (s *sshSession) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		if s.agentConn != nil {
			if err := s.agentConn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
