// Package snapshot renders the ledger's chain as an immutable tree for
// reporting. Building a snapshot never modifies the chain.
package snapshot

import (
	"time"

	"github.com/jmerrifield20/casa/internal/ledger"
)

// Options selects how much of the chain a snapshot covers.
type Options struct {
	IncludeAncestors    bool // embed each predecessor under Previous, down to genesis
	IncludeTransactions bool // attach each block's transaction list
}

// Transaction is the reported form of a ledger transaction.
type Transaction struct {
	Actor      string    `json:"actor"`
	Room       string    `json:"room"`
	Device     string    `json:"device"`
	Value      uint8     `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Authorized bool      `json:"authorized"`
}

// Node is one block in a snapshot.
type Node struct {
	Index        uint64        `json:"index"`
	SealedAt     time.Time     `json:"sealed_at"`
	Hash         string        `json:"hash"`
	Sealed       bool          `json:"sealed"`
	Count        int           `json:"count"`
	Transactions []Transaction `json:"transactions,omitempty"`
	Previous     *Node         `json:"previous,omitempty"`
}

// Build returns the snapshot rooted at start, or nil for a nil start.
// The chain behind start must not be mutated concurrently; use Of to read a
// live ledger.
func Build(start *ledger.Block, opts Options) *Node {
	if start == nil {
		return nil
	}

	root := node(start, opts)
	if !opts.IncludeAncestors {
		return root
	}
	tail := root
	for b := start.Predecessor(); b != nil; b = b.Predecessor() {
		n := node(b, opts)
		tail.Previous = n
		tail = n
	}
	return root
}

// Of snapshots l's head under the ledger's read lock.
func Of(l *ledger.Ledger, opts Options) (*Node, error) {
	var root *Node
	l.View(func(head *ledger.Block) {
		root = Build(head, opts)
	})
	if root == nil {
		return nil, ledger.ErrNotInitialized
	}
	return root, nil
}

func node(b *ledger.Block, opts Options) *Node {
	n := &Node{
		Index:    b.Index(),
		SealedAt: b.SealedAt(),
		Hash:     b.Hash().String(),
		Sealed:   b.Sealed(),
		Count:    b.Count(),
	}
	if opts.IncludeTransactions {
		txs := b.Transactions()
		n.Transactions = make([]Transaction, len(txs))
		for i, tx := range txs {
			n.Transactions[i] = Transaction{
				Actor:      tx.ActorID,
				Room:       tx.Room,
				Device:     tx.Device,
				Value:      tx.Value,
				Timestamp:  tx.Timestamp,
				Authorized: tx.Authorized,
			}
		}
	}
	return n
}

// Depth returns the number of nodes in the Previous chain starting at n.
func (n *Node) Depth() int {
	d := 0
	for cur := n; cur != nil; cur = cur.Previous {
		d++
	}
	return d
}

// LedgerTransactions converts the node's transactions back to ledger form,
// as needed to restore the block.
func (n *Node) LedgerTransactions() []ledger.Transaction {
	out := make([]ledger.Transaction, len(n.Transactions))
	for i, tx := range n.Transactions {
		out[i] = ledger.Transaction{
			ActorID:    tx.Actor,
			Room:       tx.Room,
			Device:     tx.Device,
			Value:      tx.Value,
			Timestamp:  tx.Timestamp,
			Authorized: tx.Authorized,
		}
	}
	return out
}
