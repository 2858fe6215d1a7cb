package trajectory

import (
	"crypto/mlkem"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the HKDF-SHA256 domain separation label for trajectory
// payload keys. Changing it invalidates all previously written ciphertext.
var hkdfInfo = []byte("coordd.trajectory.v1")

// keySize is the derived XChaCha20-Poly1305 key length.
const keySize = chacha20poly1305.KeySize

// GenerateKeyPair creates a fresh ML-KEM-768 key pair. The decapsulation
// key stays with the caller; the encapsulation key is handed to the store
// for writing.
func GenerateKeyPair() (*mlkem.DecapsulationKey768, *mlkem.EncapsulationKey768, error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, nil, fmt.Errorf("generating ML-KEM key pair: %w", err)
	}
	return dk, dk.EncapsulationKey(), nil
}

// deriveKey stretches a KEM shared secret into an AEAD key. The shared
// secret is already uniformly random, so HKDF runs with a nil salt per
// RFC 5869.
func deriveKey(sharedSecret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}
	return key, nil
}

// sealPayload encrypts plaintext for the given public key. Every call
// produces a fresh encapsulation and a fresh random nonce, so identical
// plaintexts never share ciphertext. The aad binds the ciphertext to its
// record identity; swapping payloads between records fails authentication.
func sealPayload(pub *mlkem.EncapsulationKey768, plaintext, aad []byte) (kemCT, nonce, ciphertext, tag []byte, err error) {
	if pub == nil {
		return nil, nil, nil, nil, ErrNilKey
	}

	sharedSecret, kemCT := pub.Encapsulate()
	key, err := deriveKey(sharedSecret)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating AEAD: %w", err)
	}

	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return kemCT, nonce, sealed[:split], sealed[split:], nil
}

// openPayload recomputes the shared secret from the record's encapsulation
// and verifies the authentication tag. Any mismatch — tampering, a wrong
// key, swapped record identity — fails with ErrCrypto and returns no
// partial data.
func openPayload(sec *mlkem.DecapsulationKey768, kemCT, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if sec == nil {
		return nil, ErrNilKey
	}

	sharedSecret, err := sec.Decapsulate(kemCT)
	if err != nil {
		return nil, fmt.Errorf("%w: decapsulation: %v", ErrCrypto, err)
	}
	key, err := deriveKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrCrypto, len(nonce))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// recordAAD builds the additional authenticated data binding a payload to
// its record identity.
func recordAAD(id, sessionID string) []byte {
	aad := make([]byte, 0, len(id)+len(sessionID)+1)
	aad = append(aad, id...)
	aad = append(aad, 0x00)
	aad = append(aad, sessionID...)
	return aad
}
