package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

// Credential is the secret material an auth_ref resolves to.
type Credential struct {
	Password   config.Secret
	PrivateKey []byte
}

// IsZero reports whether no credential was resolved.
func (c Credential) IsZero() bool {
	return !c.Password.IsSet() && len(c.PrivateKey) == 0
}

// CredentialResolver turns an auth_ref into a Credential.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (Credential, error)
}

// ErrUnsupportedAuthRef is returned for refs with an unknown scheme.
var ErrUnsupportedAuthRef = errors.New("unsupported auth_ref")

// RefResolver resolves the auth_ref schemes:
//
//	keyring:<service>/<user>   OS keyring entry
//	env:<VAR>                  environment variable
//	key:<path>                 private key file
//
// Keyring and env values that look like a PEM block are treated as private
// keys, anything else as a password.
type RefResolver struct {
	Getenv   func(string) string
	ReadFile func(string) ([]byte, error)
}

// NewRefResolver returns a resolver backed by the process environment and
// filesystem.
func NewRefResolver() *RefResolver {
	return &RefResolver{Getenv: os.Getenv, ReadFile: os.ReadFile}
}

// Resolve implements CredentialResolver. An empty ref resolves to nothing.
func (r *RefResolver) Resolve(_ context.Context, ref string) (Credential, error) {
	if ref == "" {
		return Credential{}, nil
	}
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok || rest == "" {
		return Credential{}, fmt.Errorf("%w: %q", ErrUnsupportedAuthRef, ref)
	}

	switch scheme {
	case "keyring":
		service, user, ok := strings.Cut(rest, "/")
		if !ok || service == "" || user == "" {
			return Credential{}, fmt.Errorf("keyring auth_ref must be keyring:<service>/<user>, got %q", ref)
		}
		v, err := keyring.Get(service, user)
		if err != nil {
			return Credential{}, fmt.Errorf("failed to read keyring entry %s/%s: %w", service, user, err)
		}
		return fromValue(v), nil

	case "env":
		getenv := r.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		v := getenv(rest)
		if v == "" {
			return Credential{}, fmt.Errorf("environment variable %s is empty", rest)
		}
		return fromValue(v), nil

	case "key":
		path, err := config.ExpandPath(rest)
		if err != nil {
			return Credential{}, err
		}
		readFile := r.ReadFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		pem, err := readFile(path)
		if err != nil {
			return Credential{}, fmt.Errorf("failed to read key file: %w", err)
		}
		return Credential{PrivateKey: pem}, nil
	}

	return Credential{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedAuthRef, scheme)
}

func fromValue(v string) Credential {
	if strings.HasPrefix(strings.TrimSpace(v), "-----BEGIN ") {
		return Credential{PrivateKey: []byte(v)}
	}
	return Credential{Password: config.Secret(v)}
}
