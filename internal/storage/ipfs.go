package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSCAS pins batch directories through a Kubo HTTP API.
type IPFSCAS struct {
	sh  *shell.Shell
	log *slog.Logger
}

// NewIPFSCAS connects to the IPFS API at addr.
func NewIPFSCAS(addr string, timeout time.Duration) (*IPFSCAS, error) {
	sh := shell.NewShell(addr)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFSCAS{
		sh:  sh,
		log: slog.With("component", "storage", "backend", "ipfs"),
	}, nil
}

// Pin adds dir recursively; the node pins added content by default. The
// returned CID is that of the wrapping directory.
func (s *IPFSCAS) Pin(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	root, err := s.sh.AddDir(dir)
	if err != nil {
		return "", fmt.Errorf("ipfs add %s: %w", dir, err)
	}
	s.log.Debug("pinned batch", "dir", dir, "cid", root)
	return root, nil
}

func (s *IPFSCAS) Stat(ctx context.Context, id string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stat, err := s.sh.ObjectStat(id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return 0, fmt.Errorf("ipfs object stat %s: %w", id, err)
	}
	return int64(stat.CumulativeSize), nil
}

func (s *IPFSCAS) Ls(ctx context.Context, id string) ([]Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.sh.List(id)
	if err != nil {
		return nil, fmt.Errorf("ipfs ls %s: %w", id, err)
	}
	links := make([]Link, 0, len(entries))
	for _, e := range entries {
		links = append(links, Link{Name: e.Name, CID: e.Hash, Size: int64(e.Size)})
	}
	return links, nil
}

// Close is a no-op; the shell holds no persistent connection.
func (s *IPFSCAS) Close() error { return nil }
