package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/casa/internal/ledger"
	"go.uber.org/zap"
)

// Archiver copies sealed blocks to a Store in the background. Register
// Enqueue with ledger.OnSeal and run Run in its own goroutine.
type Archiver struct {
	store   Store
	queue   chan *ledger.Block
	logger  *zap.Logger
	onWrite func(error)
}

// NewArchiver creates an Archiver with a queue of the given size.
func NewArchiver(store Store, queueSize int, logger *zap.Logger) *Archiver {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Archiver{
		store:  store,
		queue:  make(chan *ledger.Block, queueSize),
		logger: logger,
	}
}

// OnWrite registers a callback invoked after every store write with its
// result. Must be called before Run.
func (a *Archiver) OnWrite(fn func(error)) { a.onWrite = fn }

// Enqueue schedules b for archiving. It never blocks the ledger: when the
// queue is full the block is dropped and logged, and the next block that is
// written fills the gap behind it.
func (a *Archiver) Enqueue(b *ledger.Block) {
	if b == nil || !b.Sealed() {
		a.logger.Error("archive enqueue", zap.Error(errBlockOpen))
		return
	}
	select {
	case a.queue <- b:
	default:
		a.logger.Warn("archive queue full, block deferred",
			zap.Uint64("idx", b.Index()),
			zap.String("hash", b.Hash().String()),
		)
	}
}

// Run writes queued blocks until ctx is cancelled, then drains whatever is
// still queued before returning. Writes are not cut short by ctx, so a block
// sealed just before shutdown still reaches the store.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case b := <-a.queue:
			a.write(ctx, b)
		case <-ctx.Done():
			for {
				select {
				case b := <-a.queue:
					a.write(ctx, b)
				default:
					return
				}
			}
		}
	}
}

// write stores b preceded by any of its ancestors the store is missing,
// oldest first.
func (a *Archiver) write(ctx context.Context, b *ledger.Block) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	pending := []*ledger.Block{b}
	for p := b.Predecessor(); p != nil; p = p.Predecessor() {
		_, err := a.store.Get(wctx, p.Index())
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotFound) {
			a.logger.Error("archive lookup", zap.Uint64("idx", p.Index()), zap.Error(err))
			break
		}
		pending = append(pending, p)
	}
	if len(pending) > 1 {
		a.logger.Info("backfilling archive", zap.Int("blocks", len(pending)-1))
	}

	for i := len(pending) - 1; i >= 0; i-- {
		a.put(wctx, pending[i])
	}
}

func (a *Archiver) put(ctx context.Context, b *ledger.Block) {
	rec, err := FromBlock(b)
	if err == nil {
		err = a.store.Put(ctx, rec)
	}
	if err != nil {
		a.logger.Error("archive block",
			zap.Uint64("idx", b.Index()),
			zap.Error(err),
		)
	}
	if a.onWrite != nil {
		a.onWrite(err)
	}
}

// Replay rebuilds l from the archive in index order. It returns the number
// of blocks restored. An empty archive restores nothing and leaves l
// untouched; the caller then calls Initialize.
func Replay(ctx context.Context, store Store, l *ledger.Ledger, logger *zap.Logger) (int, error) {
	records, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list archive: %w", err)
	}
	if err := Verify(records); err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range records {
		b, err := rec.Restore(l.Head())
		if err != nil {
			return n, err
		}
		if err := l.ProposeBlock(b); err != nil {
			return n, fmt.Errorf("replay block %d: %w", rec.Index(), err)
		}
		n++
	}
	if n > 0 {
		logger.Info("ledger replayed from archive",
			zap.Int("blocks", n),
			zap.Uint64("head", records[n-1].Index()),
		)
	}
	return n, nil
}

// Restore replays store into l, or initialises l with a fresh genesis block
// when the archive is empty.
func Restore(ctx context.Context, store Store, l *ledger.Ledger, logger *zap.Logger) error {
	n, err := Replay(ctx, store, l, logger)
	if err != nil {
		return err
	}
	if n == 0 {
		if err := l.Initialize(); err != nil && !errors.Is(err, ledger.ErrAlreadyInitialized) {
			return err
		}
	}
	return nil
}
