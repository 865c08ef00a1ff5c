package credential

import (
	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

// RingConfig selects and configures the keyring backend.
type RingConfig struct {
	Service string

	// Backend names as understood by keyring, e.g. "file",
	// "secret-service", "keychain".  Empty means the platform default
	// order.
	Backends []string

	// Directory and passphrase of the encrypted file backend.
	FileDir      string
	FilePassword string
}

// OpenRing opens the keyring described by cfg.
func OpenRing(cfg RingConfig) (keyring.Keyring, error) {
	var backends []keyring.BackendType
	for _, b := range cfg.Backends {
		backends = append(backends, keyring.BackendType(b))
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              cfg.Service,
		AllowedBackends:          backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening keyring %q", cfg.Service)
	}
	return ring, nil
}
