package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records a job's progress for one subject.
type Checkpoint struct {
	JobID           string       `json:"job_id"`
	Subject         string       `json:"subject"`
	Total           int          `json:"total"`
	Succeeded       int          `json:"succeeded"`
	Failed          int          `json:"failed"`
	CompletedOrders []string     `json:"completed_orders"`
	CommittedIDs    []string     `json:"committed_ids"`
	FailedItems     []FailedItem `json:"failed_items,omitempty"`
	Outcome         string       `json:"outcome,omitempty"`
	Complete        bool         `json:"complete"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// FailedItem is an item that exhausted its retries.
type FailedItem struct {
	ID      string `json:"id"`
	Locator string `json:"locator"`
	Reason  string `json:"reason"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for subject.
	Load(ctx context.Context, subject string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &fileManager{dir: cfg.Dir, enc: enc, dec: dec}, nil
}

// fileManager persists checkpoints as zstd-compressed JSON files.
type fileManager struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// checkpointPath returns the checkpoint file for subject.
func (m *fileManager) checkpointPath(subject string) string {
	name := unsafeChars.ReplaceAllString(subject, "_")
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json.zst", name))
}

func (m *fileManager) Load(ctx context.Context, subject string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(subject))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	raw, err := m.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Subject != subject {
		return nil, ErrNoCheckpoint
	}
	return &cp, nil
}

func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.Subject)

	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data := m.enc.EncodeAll(raw, nil)

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, subject string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
