package trajectory

import (
	"crypto/mlkem"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateKeyPair loads the ML-KEM-768 seed from path, generating and
// persisting a fresh one if the file does not exist. The seed file is owner
// readable only.
func LoadOrCreateKeyPair(path string) (*mlkem.DecapsulationKey768, *mlkem.EncapsulationKey768, error) {
	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		dk, err := mlkem.NewDecapsulationKey768(seed)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: loading key seed from %s: %v", ErrCrypto, path, err)
		}
		return dk, dk.EncapsulationKey(), nil
	case os.IsNotExist(err):
		dk, ek, err := GenerateKeyPair()
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating key dir: %w", err)
		}
		if err := os.WriteFile(path, dk.Bytes(), 0o600); err != nil {
			return nil, nil, fmt.Errorf("persisting key seed: %w", err)
		}
		return dk, ek, nil
	default:
		return nil, nil, fmt.Errorf("reading key seed: %w", err)
	}
}
