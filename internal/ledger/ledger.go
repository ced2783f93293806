package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/casa/internal/authz"
	"github.com/jmerrifield20/casa/internal/policy"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyInitialized is returned by Initialize when a head exists.
	ErrAlreadyInitialized = errors.New("ledger already initialized")

	// ErrNotInitialized is returned by operations that need a head.
	ErrNotInitialized = errors.New("ledger not initialized")

	// ErrChainRejected is returned by ProposeBlock for a candidate that is
	// not a direct extension of the current head.
	ErrChainRejected = errors.New("proposed chain rejected")

	// ErrInvalidRequest marks a malformed submission, as opposed to a denied one.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrIntegrity is returned when a chain fails verification.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// Authorizer produces the verdict recorded with each transaction.
// *authz.Engine satisfies this interface.
type Authorizer interface {
	Decide(actorID, room, device string) authz.Decision
}

// Request is one device-control command submitted to the ledger.
type Request struct {
	ActorID   string
	Room      string
	Device    string
	Value     uint8
	ForceSeal bool // seal the open block before appending, even if not full
}

func (r Request) validate() error {
	switch {
	case r.ActorID == "" || len(r.ActorID) > policy.MaxActorIDLen:
		return fmt.Errorf("%w: actor id must be 1-%d bytes", ErrInvalidRequest, policy.MaxActorIDLen)
	case r.Room == "" || len(r.Room) > policy.MaxRoomLen:
		return fmt.Errorf("%w: room must be 1-%d bytes", ErrInvalidRequest, policy.MaxRoomLen)
	case r.Device == "" || len(r.Device) > policy.MaxDeviceLen:
		return fmt.Errorf("%w: device must be 1-%d bytes", ErrInvalidRequest, policy.MaxDeviceLen)
	}
	return nil
}

// Receipt describes where a submitted transaction was recorded.
type Receipt struct {
	Decision    authz.Decision `json:"decision"`
	BlockIndex  uint64         `json:"block_index"`
	Slot        int            `json:"slot"`
	Transaction Transaction    `json:"transaction"`
}

// SealHook is called with every block the ledger seals. Hooks run after the
// ledger lock is released, in seal order.
type SealHook func(*Block)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for block anchors and
// transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the single-writer, in-memory block chain. Mutations are
// serialised by a write lock; reads share a read lock, so no reader sees a
// block between open and sealed.
type Ledger struct {
	mu     sync.RWMutex
	head   *Block
	auth   Authorizer
	hooks  []SealHook
	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty Ledger. Call Initialize (or replay an archive through
// ProposeBlock) before submitting.
func New(auth Authorizer, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		auth:   auth,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnSeal registers a hook for sealed blocks.
func (l *Ledger) OnSeal(h SealHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Initialize installs an empty genesis block.
func (l *Ledger) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head != nil {
		return ErrAlreadyInitialized
	}
	l.head = NewBlock(0, nil, l.now())
	l.logger.Info("genesis block opened")
	return nil
}

// Submit records req in the open block with the authorizer's verdict and
// returns where it landed. A denied request is recorded as well; the error
// return is reserved for malformed requests and an uninitialised ledger.
//
// When the open block is full, already sealed, or req.ForceSeal is set, the
// block is sealed and a successor opened before the transaction is appended.
func (l *Ledger) Submit(req Request) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	if l.head == nil {
		l.mu.Unlock()
		return Receipt{}, ErrNotInitialized
	}

	var sealed *Block
	if req.ForceSeal || l.head.sealed || l.head.Full() {
		sealed = l.roll()
	}

	decision := l.auth.Decide(req.ActorID, req.Room, req.Device)
	tx := Transaction{
		ActorID:    req.ActorID,
		Room:       req.Room,
		Device:     req.Device,
		Value:      req.Value,
		Timestamp:  l.now(),
		Authorized: decision.Allowed,
	}
	slot := l.head.append(tx)
	receipt := Receipt{
		Decision:    decision,
		BlockIndex:  l.head.index,
		Slot:        slot,
		Transaction: tx,
	}
	hooks := l.hooks
	l.mu.Unlock()

	if sealed != nil {
		l.fire(hooks, sealed)
	}

	l.logger.Debug("transaction recorded",
		zap.Uint64("block", receipt.BlockIndex),
		zap.Int("slot", slot),
		zap.String("actor", req.ActorID),
		zap.String("room", req.Room),
		zap.String("device", req.Device),
		zap.Bool("authorized", decision.Allowed),
		zap.String("reason", string(decision.Reason)),
	)
	return receipt, nil
}

// Seal closes the open head if it holds at least one transaction and opens
// its successor. It returns the sealed block, or nil when there was nothing
// to seal. Used to flush the open block on shutdown and by operators.
func (l *Ledger) Seal() (*Block, error) {
	l.mu.Lock()
	if l.head == nil {
		l.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if l.head.sealed || l.head.count == 0 {
		l.mu.Unlock()
		return nil, nil
	}
	sealed := l.roll()
	hooks := l.hooks
	l.mu.Unlock()

	l.fire(hooks, sealed)
	return sealed, nil
}

// roll seals the head if it is still open and installs an open successor.
// It returns the block sealed by this call, or nil if the head was already
// sealed. Caller holds the write lock.
func (l *Ledger) roll() *Block {
	prev := l.head
	var sealed *Block
	if !prev.sealed {
		l.logger.Info("sealing block",
			zap.Uint64("index", prev.index),
			zap.Int("transactions", prev.count),
			zap.Int("capacity", Capacity),
		)
		prev.seal()
		sealed = prev
	}

	next := NewBlock(prev.index+1, prev, l.now())
	if !l.accepts(next) {
		panic("ledger: successor block rejected")
	}
	l.head = next
	return sealed
}

// accepts applies the chain-acceptance rule. Caller holds the lock.
func (l *Ledger) accepts(c *Block) bool {
	if l.head == nil {
		return c.IsGenesis()
	}
	return c.index == l.head.index+1 && c.predecessor == l.head
}

// ProposeBlock offers candidate as the new head. It is accepted only as a
// genesis block for an empty ledger, or as a direct successor of the current
// head (index one higher and predecessor identical to the head). Accepting a
// successor seals the previous head if it was still open. A sealed candidate
// is only accepted on a sealed head, since its digest covers the head's.
//
// A rejected candidate is released along with every block behind it that is
// not part of the accepted chain, and an error wrapping ErrChainRejected is
// returned. The head is unchanged.
func (l *Ledger) ProposeBlock(candidate *Block) error {
	if candidate == nil {
		return fmt.Errorf("%w: nil candidate", ErrChainRejected)
	}

	l.mu.Lock()
	if !l.accepts(candidate) || (candidate.sealed && l.head != nil && !l.head.sealed) {
		var headIdx uint64
		if l.head != nil {
			headIdx = l.head.index
		}
		released := l.discard(candidate)
		l.mu.Unlock()

		l.logger.Warn("proposed block rejected",
			zap.Uint64("candidate_index", candidate.index),
			zap.Uint64("head_index", headIdx),
			zap.Int("released", released),
		)
		return fmt.Errorf("%w: block %d does not extend head %d", ErrChainRejected, candidate.index, headIdx)
	}

	var sealed *Block
	if l.head != nil && !l.head.sealed {
		l.head.seal()
		sealed = l.head
	}
	l.head = candidate
	hooks := l.hooks
	l.mu.Unlock()

	if sealed != nil {
		l.fire(hooks, sealed)
	}
	l.logger.Debug("proposed block accepted", zap.Uint64("index", candidate.index))
	return nil
}

// Destroy releases start and every block reachable from it. Passing the
// current head tears the whole ledger down, after which Initialize may be
// called again. Blocks that belong to the accepted chain are otherwise never
// released. Destroy(nil) is a no-op. It returns the number of blocks released.
func (l *Ledger) Destroy(start *Block) int {
	if start == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if start == l.head {
		l.head = nil
		return releaseChain(start, nil)
	}
	return l.discard(start)
}

// Reset tears down the accepted chain.
func (l *Ledger) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.head
	l.head = nil
	return releaseChain(head, nil)
}

// discard releases the chain behind start up to the first block shared
// with the accepted chain. Caller holds the write lock.
func (l *Ledger) discard(start *Block) int {
	keep := make(map[*Block]struct{})
	for b := l.head; b != nil; b = b.predecessor {
		keep[b] = struct{}{}
	}
	return releaseChain(start, keep)
}

func releaseChain(start *Block, keep map[*Block]struct{}) int {
	n := 0
	for b := start; b != nil; {
		if _, ok := keep[b]; ok {
			break
		}
		next := b.predecessor
		b.release()
		n++
		b = next
	}
	return n
}

func (l *Ledger) fire(hooks []SealHook, b *Block) {
	for _, h := range hooks {
		h(b)
	}
}

// Head returns the current head, or nil before initialisation.
func (l *Ledger) Head() *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// View calls fn with the head while holding the read lock. fn must not call
// back into the ledger's mutating methods.
func (l *Ledger) View(fn func(head *Block)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.head)
}

// Height returns the index of the head block.
func (l *Ledger) Height() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil {
		return 0, ErrNotInitialized
	}
	return l.head.index, nil
}

// Root returns the digest of the most recently sealed block. It is zero while
// only the open genesis block exists.
func (l *Ledger) Root() (Digest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil {
		return Digest{}, ErrNotInitialized
	}
	for b := l.head; b != nil; b = b.predecessor {
		if b.sealed {
			return b.hash, nil
		}
	}
	return Digest{}, nil
}

// Verify walks the chain from the head to genesis and checks that indexes
// are contiguous, every block behind the head is sealed, and every sealed
// block's digest matches its contents. Returns nil if the chain is intact.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.head == nil {
		return ErrNotInitialized
	}

	want := l.head.index
	for b := l.head; b != nil; b = b.predecessor {
		if b.index != want {
			return fmt.Errorf("%w: expected block %d, found %d", ErrIntegrity, want, b.index)
		}
		if b != l.head && !b.sealed {
			return fmt.Errorf("%w: block %d behind head is not sealed", ErrIntegrity, b.index)
		}
		if b.sealed && b.hash != b.ComputeDigest() {
			return fmt.Errorf("%w: block %d has invalid hash", ErrIntegrity, b.index)
		}
		if b.predecessor == nil {
			if b.index != 0 {
				return fmt.Errorf("%w: chain ends at block %d, not genesis", ErrIntegrity, b.index)
			}
			break
		}
		want--
	}
	return nil
}
