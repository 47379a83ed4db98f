package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// testSSHServer accepts password "s3cret" for user "deploy" and answers exec
// requests with "ran: <command>". The command "false" exits 1.
type testSSHServer struct {
	addr    string
	port    int
	hostKey ssh.PublicKey
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pw) == "s3cret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, cfg)
		}
	}()

	return &testSSHServer{
		addr:    ln.Addr().String(),
		port:    ln.Addr().(*net.TCPAddr).Port,
		hostKey: signer.PublicKey(),
	}
}

func serveSSHConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				switch req.Type {
				case "exec":
					var payload struct{ Command string }
					_ = ssh.Unmarshal(req.Payload, &payload)
					_ = req.Reply(true, nil)
					fmt.Fprintf(ch, "ran: %s\n", payload.Command)
					code := uint32(0)
					if payload.Command == "false" {
						code = 1
					}
					_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
					return
				case "pty-req":
					_ = req.Reply(true, nil)
				default:
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

func (s *testSSHServer) knownHosts(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := xknownhosts.Line([]string{s.addr}, s.hostKey)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))
	return path
}

func emptySSHConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh_config")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	return path
}

func passwordResolver(pw string) CredentialResolver {
	return &RefResolver{Getenv: func(string) string { return pw }}
}

func TestSSHDialer_ExecOverKnownHost(t *testing.T) {
	srv := newTestSSHServer(t)
	d, err := NewSSHDialer(SSHOptions{
		KnownHostsFiles: []string{srv.knownHosts(t)},
		ConfigFile:      emptySSHConfig(t),
		ConnectTimeout:  5 * time.Second,
	}, passwordResolver("s3cret"), nil)
	require.NoError(t, err)

	s, err := d.Connect(context.Background(), deployment.ServerInfo{
		Host: "127.0.0.1", Port: srv.port, User: "deploy", AuthRef: "env:DEPLOY_PASSWORD",
	})
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.Exec(context.Background(), "uptime", time.Minute)
	require.NoError(t, err)
	out, status, err := Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "ran: uptime\n", string(out))
	assert.True(t, status.Success())

	stream, err = s.Exec(context.Background(), "false", time.Minute)
	require.NoError(t, err)
	_, status, err = Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Code)
}

func TestSSHDialer_ResolvesAlias(t *testing.T) {
	srv := newTestSSHServer(t)
	cfgPath := filepath.Join(t.TempDir(), "ssh_config")
	content := "Host staging\n  HostName 127.0.0.1\n  Port " + strconv.Itoa(srv.port) + "\n  User deploy\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0600))

	d, err := NewSSHDialer(SSHOptions{
		KnownHostsFiles: []string{srv.knownHosts(t)},
		ConfigFile:      cfgPath,
		ConnectTimeout:  5 * time.Second,
	}, passwordResolver("s3cret"), nil)
	require.NoError(t, err)

	tgt := d.resolve(deployment.ServerInfo{Host: "staging"})
	assert.Equal(t, srv.addr, tgt.addr)
	assert.Equal(t, "deploy", tgt.user)

	s, err := d.Connect(context.Background(), deployment.ServerInfo{Host: "staging", AuthRef: "env:X"})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestSSHDialer_UnknownHostKeyRejected(t *testing.T) {
	srv := newTestSSHServer(t)
	other := newTestSSHServer(t)

	// known_hosts lists the other server's key under this server's address
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, []byte(xknownhosts.Line([]string{srv.addr}, other.hostKey)+"\n"), 0600))

	d, err := NewSSHDialer(SSHOptions{
		KnownHostsFiles: []string{path},
		ConfigFile:      emptySSHConfig(t),
		ConnectTimeout:  5 * time.Second,
	}, passwordResolver("s3cret"), nil)
	require.NoError(t, err)

	_, err = d.Connect(context.Background(), deployment.ServerInfo{
		Host: "127.0.0.1", Port: srv.port, User: "deploy", AuthRef: "env:X",
	})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestSSHDialer_AuthFailures(t *testing.T) {
	srv := newTestSSHServer(t)
	opts := SSHOptions{
		KnownHostsFiles: []string{srv.knownHosts(t)},
		ConfigFile:      emptySSHConfig(t),
		ConnectTimeout:  5 * time.Second,
	}
	server := deployment.ServerInfo{Host: "127.0.0.1", Port: srv.port, User: "deploy", AuthRef: "env:X"}

	d, err := NewSSHDialer(opts, passwordResolver("wrong"), nil)
	require.NoError(t, err)
	_, err = d.Connect(context.Background(), server)
	assert.True(t, IsConnectionError(err), "wrong password")

	d, err = NewSSHDialer(opts, nil, nil)
	require.NoError(t, err)
	_, err = d.Connect(context.Background(), server)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authentication method")
}

func TestSSHDialer_MissingKnownHosts(t *testing.T) {
	d, err := NewSSHDialer(SSHOptions{
		KnownHostsFiles: []string{filepath.Join(t.TempDir(), "nope")},
		ConfigFile:      emptySSHConfig(t),
	}, passwordResolver("x"), nil)
	require.NoError(t, err)

	_, err = d.Connect(context.Background(), deployment.ServerInfo{Host: "127.0.0.1", Port: 1, AuthRef: "env:X"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known_hosts")
}
