// Package trajectory persists encrypted, append-only episode records of
// agent sessions for offline learning and analytics.
//
// Each record's payload is hybrid-encrypted: an ML-KEM-768 encapsulation
// against the caller-supplied public key yields a shared secret, HKDF-SHA256
// derives the symmetric key, and XChaCha20-Poly1305 seals the serialized
// session summary under a fresh random nonce. Plaintext payloads are never
// persisted; keyword queries run over a plaintext index of non-sensitive
// metadata stored alongside the ciphertext.
package trajectory
