// Package secrets resolves "keyring:<service>/<user>" config values from the
// OS keyring. Any other value is returned unchanged.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const Prefix = "keyring:"

var (
	ErrNotFound = errors.New("secret not found in keyring")
	ErrBadRef   = errors.New("invalid keyring reference")
)

// Ref names one keyring entry.
type Ref struct {
	Service string
	User    string
}

func (r Ref) String() string { return Prefix + r.Service + "/" + r.User }

// IsRef reports whether raw points into the keyring.
func IsRef(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), Prefix)
}

func ParseRef(raw string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, Prefix) {
		return Ref{}, fmt.Errorf("%w: %q lacks %q prefix", ErrBadRef, raw, Prefix)
	}
	service, user, ok := strings.Cut(strings.TrimPrefix(s, Prefix), "/")
	service, user = strings.TrimSpace(service), strings.TrimSpace(user)
	if !ok || service == "" || user == "" {
		return Ref{}, fmt.Errorf("%w: %q, want keyring:<service>/<user>", ErrBadRef, raw)
	}
	return Ref{Service: service, User: user}, nil
}

// Resolve returns the secret for a keyring reference, or raw itself.
// field names the config key in errors.
func Resolve(field, raw string) (string, error) {
	if !IsRef(raw) {
		return raw, nil
	}
	ref, err := ParseRef(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	v, err := keyring.Get(ref.Service, ref.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%s: %w: %s", field, ErrNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("%s: keyring: %w", field, err)
	}
	return v, nil
}

func Set(raw, value string) error {
	ref, err := ParseRef(raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		return errors.New("secret value is empty")
	}
	if err := keyring.Set(ref.Service, ref.User, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", ref, err)
	}
	return nil
}

// Delete removes an entry. A missing entry is not an error.
func Delete(raw string) error {
	ref, err := ParseRef(raw)
	if err != nil {
		return err
	}
	if err := keyring.Delete(ref.Service, ref.User); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", ref, err)
	}
	return nil
}
