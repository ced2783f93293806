// Package archive persists sealed ledger blocks outside the process so the
// chain can be replayed after a restart.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/casa/internal/ledger"
	"github.com/jmerrifield20/casa/internal/snapshot"
)

var (
	// ErrNotFound is returned by Get for an index that was never archived.
	ErrNotFound = errors.New("archived block not found")

	// ErrConflict is returned by Put when a different block is already
	// stored at the same index.
	ErrConflict = errors.New("archived block conflicts with stored block")

	errBlockOpen = errors.New("archive: block is not sealed")
)

// Record is the archived form of one sealed block.
type Record struct {
	Block    *snapshot.Node `json:"block"`
	PrevHash string         `json:"prev_hash"`
}

// Index returns the block index of the record.
func (r Record) Index() uint64 { return r.Block.Index }

// Hash returns the hex digest of the archived block.
func (r Record) Hash() string { return r.Block.Hash }

// FromBlock builds the record for a sealed block.
func FromBlock(b *ledger.Block) (Record, error) {
	if b == nil || !b.Sealed() {
		return Record{}, errBlockOpen
	}
	rec := Record{Block: snapshot.Build(b, snapshot.Options{IncludeTransactions: true})}
	if p := b.Predecessor(); p != nil {
		rec.PrevHash = p.Hash().String()
	}
	return rec, nil
}

// Restore rebuilds the ledger block on top of predecessor and checks the
// stored digest.
func (r Record) Restore(predecessor *ledger.Block) (*ledger.Block, error) {
	want, err := ledger.ParseDigest(r.Block.Hash)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", r.Block.Index, err)
	}
	var prev string
	if predecessor != nil {
		prev = predecessor.Hash().String()
	}
	if prev != r.PrevHash {
		return nil, fmt.Errorf("%w: block %d links to %q, predecessor is %q",
			ledger.ErrIntegrity, r.Block.Index, r.PrevHash, prev)
	}
	return ledger.RestoreBlock(r.Block.Index, predecessor, r.Block.SealedAt, r.Block.LedgerTransactions(), want)
}

// Store is the persistence interface for sealed blocks.
// Both MemoryStore and PostgresStore implement it.
type Store interface {
	// Put stores rec. Storing an identical record twice is not an error.
	Put(ctx context.Context, rec Record) error

	// Get returns the record at the given block index.
	Get(ctx context.Context, index uint64) (*Record, error)

	// Len returns the number of archived blocks.
	Len(ctx context.Context) (int, error)

	// List returns every record in ascending index order.
	List(ctx context.Context) ([]Record, error)
}

// Verify checks that records form a contiguous chain starting at genesis,
// with each record linked to the previous record's hash.
func Verify(records []Record) error {
	for i, rec := range records {
		if rec.Block == nil {
			return fmt.Errorf("%w: record %d has no block", ledger.ErrIntegrity, i)
		}
		if rec.Index() != uint64(i) {
			return fmt.Errorf("%w: expected block %d, found %d", ledger.ErrIntegrity, i, rec.Index())
		}
		if i == 0 {
			if rec.PrevHash != "" {
				return fmt.Errorf("%w: genesis links to %q", ledger.ErrIntegrity, rec.PrevHash)
			}
			continue
		}
		if rec.PrevHash != records[i-1].Hash() {
			return fmt.Errorf("%w: hash chain broken at block %d", ledger.ErrIntegrity, rec.Index())
		}
	}
	return nil
}

// writeTimeout bounds a single store write made by the Archiver.
const writeTimeout = 5 * time.Second
