package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Capacity is the number of transactions a block holds before it is sealed.
const Capacity = 4

// Digest is a block's integrity hash.
type Digest [sha256.Size]byte

// String returns the hex encoding of d.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is unset.
func (d Digest) IsZero() bool { return d == Digest{} }

// ParseDigest decodes a hex-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("digest must be %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Transaction is one recorded device-control request. Authorized is the
// verdict at admission time and never changes afterwards.
type Transaction struct {
	ActorID    string    `json:"actor"`
	Room       string    `json:"room"`
	Device     string    `json:"device"`
	Value      uint8     `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Authorized bool      `json:"authorized"`
}

// Block is a capacity-bounded container of transactions. It is open until
// sealed; a sealed block carries its digest and accepts no more writes.
//
// A block owns the chain behind it through its predecessor link. Blocks
// handed out by a Ledger must be treated as read-only.
type Block struct {
	index        uint64
	count        int
	sealedAt     time.Time
	predecessor  *Block
	transactions [Capacity]Transaction
	hash         Digest
	sealed       bool
	released     bool
}

// NewBlock returns an open, empty block. openedAt becomes the block's time
// anchor and is part of its digest.
func NewBlock(index uint64, predecessor *Block, openedAt time.Time) *Block {
	return &Block{index: index, predecessor: predecessor, sealedAt: openedAt}
}

// Index is the block's position in the chain; genesis is 0.
func (b *Block) Index() uint64 { return b.index }

// Count is the number of occupied transaction slots.
func (b *Block) Count() int { return b.count }

// SealedAt is the time anchor set when the block was opened.
func (b *Block) SealedAt() time.Time { return b.sealedAt }

func (b *Block) Predecessor() *Block { return b.predecessor }
func (b *Block) Sealed() bool { return b.sealed }
func (b *Block) Released() bool { return b.released }
func (b *Block) Full() bool { return b.count == Capacity }

// Hash is the integrity digest; zero while the block is open.
func (b *Block) Hash() Digest { return b.hash }

// IsGenesis reports whether b is a chain root.
func (b *Block) IsGenesis() bool { return b.index == 0 && b.predecessor == nil }

// Transactions returns a copy of the occupied slots in insertion order.
func (b *Block) Transactions() []Transaction {
	out := make([]Transaction, b.count)
	copy(out, b.transactions[:b.count])
	return out
}

// append stores tx in the next free slot and returns the slot number.
// Writing to a full or sealed block is a programming error.
func (b *Block) append(tx Transaction) int {
	if b.sealed {
		panic(fmt.Sprintf("ledger: append to sealed block %d", b.index))
	}
	if b.count >= Capacity {
		panic(fmt.Sprintf("ledger: block %d over capacity", b.index))
	}
	slot := b.count
	b.transactions[slot] = tx
	b.count++
	return slot
}

// seal computes the digest and freezes the block.
func (b *Block) seal() {
	if b.sealed {
		return
	}
	b.hash = b.ComputeDigest()
	b.sealed = true
}

// release drops the block's contents and its link to the chain behind it.
func (b *Block) release() {
	b.predecessor = nil
	b.transactions = [Capacity]Transaction{}
	b.count = 0
	b.released = true
}

// ComputeDigest hashes the block's current contents. For a sealed block the
// result always equals Hash.
//
// The input covers index, transaction count, time anchor and predecessor
// digest, then every occupied transaction in slot order, so reordering or
// altering any transaction changes the digest.
func (b *Block) ComputeDigest() Digest {
	var prev Digest
	if b.predecessor != nil {
		prev = b.predecessor.hash
	}

	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%d|%x", b.index, b.count, b.sealedAt.UnixNano(), prev[:])
	for i := 0; i < b.count; i++ {
		tx := &b.transactions[i]
		fmt.Fprintf(h, "|%d|%d|%q|%q|%q|%t",
			tx.Timestamp.UnixNano(), tx.Value,
			tx.ActorID, tx.Room, tx.Device, tx.Authorized,
		)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// RestoreBlock rebuilds a sealed block from archived fields and checks the
// recomputed digest against want. It returns an error wrapping ErrIntegrity
// on mismatch. predecessor must be the already-restored block before it.
func RestoreBlock(index uint64, predecessor *Block, openedAt time.Time, txs []Transaction, want Digest) (*Block, error) {
	if len(txs) > Capacity {
		return nil, fmt.Errorf("%w: block %d has %d transactions", ErrIntegrity, index, len(txs))
	}
	b := NewBlock(index, predecessor, openedAt)
	for _, tx := range txs {
		b.append(tx)
	}
	b.seal()
	if b.hash != want {
		return nil, fmt.Errorf("%w: block %d digest mismatch: stored %s, computed %s",
			ErrIntegrity, index, want, b.hash)
	}
	return b, nil
}
