package trajectory

import (
	"bufio"
	"context"
	"crypto/mlkem"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/coordd/internal/trajectory"

// Store is the encrypted, append-only episode store. Records are held in
// memory and appended to a JSONL file when a path is configured; the file is
// replayed on open to rebuild the plaintext metadata index.
type Store struct {
	mu      sync.RWMutex
	records []*Trajectory
	byID    map[string]*Trajectory
	path    string
	file    *os.File
	logger  *zap.Logger

	appended metric.Int64Counter
}

// Option configures a Store.
type Option func(*Store)

// WithPath enables file persistence at the given JSONL path.
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// NewStore creates a trajectory store. With a path configured, existing
// records are loaded and the file is opened for appending.
func NewStore(logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		byID:   make(map[string]*Trajectory),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.path != "" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return nil, fmt.Errorf("creating trajectory dir: %w", err)
		}
		if err := s.load(); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening trajectory file: %w", err)
		}
		s.file = f
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.appended, err = meter.Int64Counter(
		"coordd.trajectories.appended_total",
		metric.WithDescription("Encrypted trajectory records appended to the store."),
		metric.WithUnit("{trajectory}"),
	)
	if err != nil {
		logger.Warn("failed to create trajectory counter", zap.Error(err))
	}

	return s, nil
}

// load replays the JSONL file into memory. Corrupt lines are skipped with a
// warning rather than failing the whole store.
func (s *Store) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening trajectory file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec Trajectory
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.logger.Warn("skipping corrupt trajectory record",
				zap.Int("line", line), zap.Error(err))
			continue
		}
		cp := rec
		s.records = append(s.records, &cp)
		s.byID[cp.ID] = &cp
	}
	return scanner.Err()
}

// Close flushes and closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// EncryptAndAppend serializes the session summary, seals it against the
// given public key and appends the record. The plaintext is discarded as
// soon as the record is built; only the ciphertext and the non-sensitive
// metadata index fields are retained. Returns the new trajectory ID.
func (s *Store) EncryptAndAppend(ctx context.Context, summary *SessionSummary, pub *mlkem.EncapsulationKey768) (string, error) {
	if summary == nil {
		return "", ErrEmptyTask
	}
	if err := summary.validate(); err != nil {
		return "", err
	}
	if pub == nil {
		return "", ErrNilKey
	}

	plaintext, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("serializing session summary: %w", err)
	}

	rec := &Trajectory{
		ID:           uuid.New().String(),
		SessionID:    summary.SessionID,
		AgentID:      summary.AgentID,
		Task:         summary.Task,
		SuccessScore: summary.SuccessScore,
		Reward:       summary.Reward,
		Timestamp:    time.Now(),
	}

	kemCT, nonce, ciphertext, tag, err := sealPayload(pub, plaintext, recordAAD(rec.ID, rec.SessionID))
	if err != nil {
		return "", err
	}
	rec.KEMCiphertext = kemCT
	rec.Nonce = nonce
	rec.Ciphertext = ciphertext
	rec.AuthTag = tag

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("serializing trajectory record: %w", err)
		}
		if _, err := s.file.Write(append(encoded, '\n')); err != nil {
			return "", fmt.Errorf("appending trajectory record: %w", err)
		}
	}

	s.records = append(s.records, rec)
	s.byID[rec.ID] = rec

	s.logger.Info("trajectory appended",
		zap.String("trajectory_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.Float64("success_score", rec.SuccessScore))
	if s.appended != nil {
		s.appended.Add(ctx, 1)
	}

	return rec.ID, nil
}

// Decrypt recomputes the shared secret with the caller's secret key,
// verifies the authentication tag and returns the session summary. Fails
// with ErrCrypto on any tampering or key mismatch, returning no partial
// data.
func (s *Store) Decrypt(_ context.Context, id string, sec *mlkem.DecapsulationKey768) (*SessionSummary, error) {
	s.mu.RLock()
	rec, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	plaintext, err := openPayload(sec, rec.KEMCiphertext, rec.Nonce, rec.Ciphertext, rec.AuthTag, recordAAD(rec.ID, rec.SessionID))
	if err != nil {
		return nil, err
	}

	var summary SessionSummary
	if err := json.Unmarshal(plaintext, &summary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &summary, nil
}

// Get returns the stored record (ciphertext and metadata) by ID.
func (s *Store) Get(id string) (*Trajectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

// QueryByKeyword matches the keyword against the plaintext metadata index —
// task description and agent ID — never against decrypted payloads. Results
// come back most recent first.
func (s *Store) QueryByKeyword(keyword string, limit int) []Trajectory {
	needle := strings.ToLower(strings.TrimSpace(keyword))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Trajectory
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if needle != "" &&
			!strings.Contains(strings.ToLower(rec.Task), needle) &&
			!strings.Contains(strings.ToLower(rec.AgentID), needle) {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
