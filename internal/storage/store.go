package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	ErrNotFound   = errors.New("content not found")
	ErrEmptyBatch = errors.New("batch directory is empty")
)

// Link is one immediate child of a pinned directory.
type Link struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}

// CAS abstracts a content-addressable store that pins whole directories.
type CAS interface {
	// Pin stores every regular file in dir under a wrapping directory and
	// returns the directory's CID. Pinning the same bytes twice yields the
	// same CID.
	Pin(ctx context.Context, dir string) (string, error)

	// Stat returns the cumulative size of the object behind id.
	Stat(ctx context.Context, id string) (int64, error)

	// Ls lists the immediate children of a pinned directory.
	Ls(ctx context.Context, id string) ([]Link, error)

	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "ipfs" | "blob"

	// IPFS HTTP API address, e.g. "localhost:5001"
	IPFSAPI    string
	PinTimeout time.Duration

	// gocloud bucket URL: file:///path, s3://bucket?region=..., gs://bucket, mem://
	BucketURL string

	// Common
	Prefix string // "cas/" (key prefix within the bucket)
}

// NewCAS creates a storage backend based on configuration.
func NewCAS(ctx context.Context, cfg StorageConfig) (CAS, error) {
	switch cfg.Backend {
	case "ipfs":
		if cfg.IPFSAPI == "" {
			return nil, fmt.Errorf("IPFSAPI required for ipfs backend")
		}
		return NewIPFSCAS(cfg.IPFSAPI, cfg.PinTimeout)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("BucketURL required for blob backend")
		}
		return OpenBlobCAS(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Manifest is the directory object stored by the blob backend.
type Manifest struct {
	Links []Link `json:"links"`
}

// encode renders the manifest canonically: links sorted by name, compact JSON.
func (m Manifest) encode() ([]byte, error) {
	links := append([]Link(nil), m.Links...)
	sort.Slice(links, func(i, j int) bool { return links[i].Name < links[j].Name })
	return json.Marshal(Manifest{Links: links})
}

// CumulativeSize is the manifest size plus every child's size.
func (m Manifest) CumulativeSize(encoded []byte) int64 {
	total := int64(len(encoded))
	for _, l := range m.Links {
		total += l.Size
	}
	return total
}

// LeafCID computes the CIDv1 (raw, sha2-256) of a file's bytes.
func LeafCID(data []byte) (cid.Cid, error) {
	return sumCID(cid.Raw, data)
}

// DirCID computes the CIDv1 (dag-json, sha2-256) of an encoded manifest.
func DirCID(encoded []byte) (cid.Cid, error) {
	return sumCID(cid.DagJSON, encoded)
}

func sumCID(codec uint64, data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash content: %w", err)
	}
	return cid.NewCidV1(codec, mh), nil
}

// ValidCID reports whether s parses as a CID.
func ValidCID(s string) bool {
	_, err := cid.Decode(s)
	return err == nil
}
