// Package credentials stores provider API keys by service name.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when no key is stored for a service.
var ErrNotFound = errors.New("credential not found")

// KnownServices are reported by Status even when nothing is stored for them.
var KnownServices = []string{"gemini", "openai"}

// Store saves and retrieves API keys.
type Store interface {
	Save(service, key string) error
	Get(service string) (string, error)
	Delete(service string) error
}

// Status reports which of the known services have a key configured.
func Status(s Store) map[string]bool {
	status := make(map[string]bool, len(KnownServices))
	for _, svc := range KnownServices {
		key, err := s.Get(svc)
		if err != nil && !errors.Is(err, ErrNotFound) {
			slog.Warn("Failed to read credential", "service", svc, "error", err)
		}
		status[svc] = err == nil && key != ""
	}
	return status
}

// Keyring stores keys in the operating system keychain.
type Keyring struct {
	// Namespace is used as the keyring service; the credential service is the user.
	Namespace string
}

var _ Store = (*Keyring)(nil)

func NewKeyring(namespace string) *Keyring {
	return &Keyring{Namespace: namespace}
}

func (k *Keyring) Save(service, key string) error {
	if err := keyring.Set(k.Namespace, service, key); err != nil {
		return fmt.Errorf("save %s key to keyring: %w", service, err)
	}
	return nil
}

func (k *Keyring) Get(service string) (string, error) {
	key, err := keyring.Get(k.Namespace, service)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, service)
	}
	if err != nil {
		return "", fmt.Errorf("read %s key from keyring: %w", service, err)
	}
	return key, nil
}

func (k *Keyring) Delete(service string) error {
	err := keyring.Delete(k.Namespace, service)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, service)
	}
	return err
}

// Env reads keys from <SERVICE>_API_KEY environment variables. Saved keys
// live in memory for the life of the process.
type Env struct {
	mu    sync.RWMutex
	saved map[string]string
}

var _ Store = (*Env)(nil)

func NewEnv() *Env {
	return &Env{saved: make(map[string]string)}
}

func (e *Env) Save(service, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved[service] = key
	return nil
}

func (e *Env) Get(service string) (string, error) {
	e.mu.RLock()
	key, ok := e.saved[service]
	e.mu.RUnlock()
	if ok && key != "" {
		return key, nil
	}
	if key := os.Getenv(strings.ToUpper(service) + "_API_KEY"); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, service)
}

func (e *Env) Delete(service string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.saved, service)
	return nil
}
