package trajectory

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

// Common errors for trajectory operations.
var (
	ErrCrypto     = errors.New("trajectory decryption failed")
	ErrNotFound   = errors.New("trajectory not found")
	ErrEmptyTask  = errors.New("session summary task cannot be empty")
	ErrNilKey     = errors.New("encryption key cannot be nil")
	ErrBadPayload = errors.New("malformed trajectory payload")
)

// SessionSummary is the plaintext episode payload produced at session end.
// It exists in memory only; the store persists it exclusively as ciphertext.
type SessionSummary struct {
	SessionID     string            `json:"session_id"`
	AgentID       string            `json:"agent_id"`
	Task          string            `json:"task"`
	InputSummary  string            `json:"input_summary,omitempty"`
	OutputSummary string            `json:"output_summary,omitempty"`
	SuccessScore  float64           `json:"success_score"`
	Reward        float64           `json:"reward"`
	Abandoned     bool              `json:"abandoned,omitempty"`
	Operations    []oplog.Operation `json:"operations,omitempty"`
}

// Trajectory is one persisted episode. The metadata fields form the
// plaintext query index; the payload fields carry the sealed summary.
// Records are immutable once appended.
type Trajectory struct {
	// ID is the unique trajectory identifier (UUID).
	ID string `json:"id"`

	// SessionID links the episode to its session, one-to-one.
	SessionID string `json:"session_id"`

	// AgentID identifies the agent that ran the session.
	AgentID string `json:"agent_id"`

	// Task is the session's task description. Part of the plaintext
	// index; must not contain sensitive payload content.
	Task string `json:"task"`

	// SuccessScore is the session's outcome score, 0..1.
	SuccessScore float64 `json:"success_score"`

	// Reward is the learning signal associated with the episode.
	Reward float64 `json:"reward"`

	// Timestamp is when the record was appended.
	Timestamp time.Time `json:"timestamp"`

	// KEMCiphertext is the ML-KEM-768 encapsulation of the shared secret.
	KEMCiphertext []byte `json:"kem_ciphertext"`

	// Nonce is the fresh random AEAD nonce for this record.
	Nonce []byte `json:"nonce"`

	// Ciphertext is the sealed session summary, tag excluded.
	Ciphertext []byte `json:"ciphertext"`

	// AuthTag is the AEAD authentication tag.
	AuthTag []byte `json:"auth_tag"`
}

// validate checks the append preconditions.
func (s *SessionSummary) validate() error {
	if s.Task == "" {
		return ErrEmptyTask
	}
	return nil
}
