// Package credentials holds the VPN account credential and hands it to the
// launched client through a transient restricted-permission auth file, never
// through argv or a log sink.
package credentials

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the identifier used in the system keyring.
const keyringService = "nordmac"

var (
	// ErrMissingCredential indicates no usable credential is configured.
	ErrMissingCredential = errors.New("missing VPN credential")
)

// Credential is the account username/password pair used to authenticate to
// the VPN service. It lives in process memory only.
type Credential struct {
	Username string
	Password string
}

// Provider supplies the credential for the lifetime of one orchestrator
// instance.
type Provider interface {
	// Get returns the credential, or ErrMissingCredential when unset.
	Get() (Credential, error)
}

var _ Provider = (*StaticProvider)(nil)
var _ Provider = (*KeyringProvider)(nil)

// StaticProvider holds a credential supplied once at construction time.
type StaticProvider struct {
	cred Credential
}

// NewStaticProvider creates a provider around the given username/password.
func NewStaticProvider(username, password string) *StaticProvider {
	return &StaticProvider{cred: Credential{Username: username, Password: password}}
}

// Get implements Provider.
func (p *StaticProvider) Get() (Credential, error) {
	if p.cred.Username == "" || p.cred.Password == "" {
		return Credential{}, ErrMissingCredential
	}
	return p.cred, nil
}

// KeyringProvider resolves the password for a username from the system
// keyring on demand.
type KeyringProvider struct {
	username string
}

// NewKeyringProvider creates a provider that looks up the password for
// username in the system keyring.
func NewKeyringProvider(username string) *KeyringProvider {
	return &KeyringProvider{username: username}
}

// Get implements Provider.
func (p *KeyringProvider) Get() (Credential, error) {
	if p.username == "" {
		return Credential{}, ErrMissingCredential
	}
	password, err := keyring.Get(keyringService, p.username)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return Credential{}, fmt.Errorf("%w: no keyring entry for %s", ErrMissingCredential, p.username)
		}
		return Credential{}, fmt.Errorf("keyring lookup failed: %w", err)
	}
	if password == "" {
		return Credential{}, ErrMissingCredential
	}
	return Credential{Username: p.username, Password: password}, nil
}

// Store saves the password for username in the system keyring.
func Store(username, password string) error {
	if username == "" || password == "" {
		return ErrMissingCredential
	}
	return keyring.Set(keyringService, username, password)
}

// Delete removes the keyring entry for username.
func Delete(username string) error {
	return keyring.Delete(keyringService, username)
}

// WriteAuthFile writes the credential in the client's auth-user-pass format
// (username on line 1, password on line 2) to a temp file readable only by
// the owner. The caller is responsible for removing the file after use.
func WriteAuthFile(cred Credential) (string, error) {
	if cred.Username == "" || cred.Password == "" {
		return "", ErrMissingCredential
	}

	file, err := os.CreateTemp("", "nordmac-auth-*")
	if err != nil {
		return "", err
	}

	if err := os.Chmod(file.Name(), 0600); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", err
	}

	_, err = fmt.Fprintf(file, "%s\n%s\n", cred.Username, cred.Password)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", err
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return "", err
	}

	return file.Name(), nil
}

// RemoveAuthFile deletes an auth file created by WriteAuthFile. Missing
// files are not an error.
func RemoveAuthFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// Best effort: the file is 0600 and lives in the temp dir.
		_ = err
	}
}
