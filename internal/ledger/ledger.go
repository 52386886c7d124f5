// Package ledger submits storage orders for pinned content.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

var (
	// ErrRejected means the ledger processed the order and refused it.
	ErrRejected = errors.New("order rejected by ledger")

	ErrNotConnected = errors.New("ledger client not connected")
	ErrInvalidCID   = errors.New("invalid cid")
)

// Receipt identifies an accepted order.
type Receipt struct {
	CID    string `json:"cid"`
	Size   int64  `json:"size"`
	TxHash string `json:"tx_hash"`
	Block  int64  `json:"block,omitempty"`
}

// Client is a storage-order session. Connect must succeed before the first
// Order of a job; Disconnect ends the session. Order retries internally.
type Client interface {
	Connect(ctx context.Context) error
	Order(ctx context.Context, id string, size int64) (Receipt, error)
	Replicas(ctx context.Context, id string) (int, error)
	Disconnect() error
}

type Config struct {
	Mode        string // "ws" | "file"
	Endpoint    string
	AuthToken   string
	StateDir    string
	MaxAttempts int
	RetryDelay  time.Duration
	CallTimeout time.Duration
}

// NewClient constructs a ledger client for the configured mode.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Mode {
	case "ws":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("endpoint required for ws ledger")
		}
		return NewWSClient(cfg), nil
	case "file":
		return NewFileLedger(cfg.StateDir), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode: %s", cfg.Mode)
	}
}

func validateCID(id string) error {
	if _, err := cid.Decode(id); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCID, id, err)
	}
	return nil
}
