package archive_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/casa/internal/archive"
	"github.com/jmerrifield20/casa/internal/authz"
	"github.com/jmerrifield20/casa/internal/ledger"
	"github.com/jmerrifield20/casa/internal/policy"
	"go.uber.org/zap"
)

var ctx = context.Background()

func engine(t *testing.T) *authz.Engine {
	t.Helper()
	s := policy.NewStore()
	if err := s.Load([]policy.ProfileSpec{{
		ActorID: "alice",
		Grants:  []policy.RoomGrant{{Room: "hall", Devices: []string{"lamp"}}},
	}}); err != nil {
		t.Fatal(err)
	}
	return authz.New(s)
}

func fill(t *testing.T, l *ledger.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Submit(ledger.Request{ActorID: "alice", Room: "hall", Device: "lamp", Value: uint8(i)}); err != nil {
			t.Fatal(err)
		}
	}
}

// sealedChain returns l's sealed blocks in ascending order.
func sealedChain(l *ledger.Ledger) []*ledger.Block {
	var out []*ledger.Block
	for b := l.Head(); b != nil; b = b.Predecessor() {
		if b.Sealed() {
			out = append([]*ledger.Block{b}, out...)
		}
	}
	return out
}

func archiveAll(t *testing.T, store archive.Store, l *ledger.Ledger) {
	t.Helper()
	for _, b := range sealedChain(l) {
		rec, err := archive.FromBlock(b)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFromBlock_rejectsOpenBlock(t *testing.T) {
	l := ledger.New(engine(t), zap.NewNop())
	_ = l.Initialize()
	if _, err := archive.FromBlock(l.Head()); err == nil {
		t.Error("expected error for open block")
	}
}

func TestMemoryStore_putGetList(t *testing.T) {
	l := ledger.New(engine(t), zap.NewNop())
	_ = l.Initialize()
	fill(t, l, 3*ledger.Capacity+1)

	s := archive.NewMemoryStore()
	archiveAll(t, s, l)

	n, _ := s.Len(ctx)
	if n != 3 {
		t.Fatalf("Len() = %d, want 3", n)
	}
	recs, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range recs {
		if rec.Index() != uint64(i) {
			t.Errorf("List()[%d] has index %d", i, rec.Index())
		}
	}
	if err := archive.Verify(recs); err != nil {
		t.Errorf("Verify() = %v", err)
	}

	rec, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.PrevHash != recs[0].Hash() {
		t.Error("record 1 should link to record 0")
	}
	if _, err := s.Get(ctx, 9); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("Get(9) = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_putIsIdempotentButDetectsConflicts(t *testing.T) {
	a := ledger.New(engine(t), zap.NewNop())
	_ = a.Initialize()
	fill(t, a, ledger.Capacity+1)
	b := ledger.New(engine(t), zap.NewNop())
	_ = b.Initialize()
	fill(t, b, ledger.Capacity+1)

	s := archive.NewMemoryStore()
	recA, _ := archive.FromBlock(sealedChain(a)[0])
	recB, _ := archive.FromBlock(sealedChain(b)[0])

	if err := s.Put(ctx, recA); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, recA); err != nil {
		t.Errorf("re-putting identical record: %v", err)
	}
	if recA.Hash() != recB.Hash() {
		if err := s.Put(ctx, recB); !errors.Is(err, archive.ErrConflict) {
			t.Errorf("conflicting record: got %v, want ErrConflict", err)
		}
	}
}

func TestVerify_brokenLinks(t *testing.T) {
	l := ledger.New(engine(t), zap.NewNop())
	_ = l.Initialize()
	fill(t, l, 2*ledger.Capacity+1)
	s := archive.NewMemoryStore()
	archiveAll(t, s, l)
	recs, _ := s.List(ctx)

	gap := []archive.Record{recs[1]}
	if err := archive.Verify(gap); !errors.Is(err, ledger.ErrIntegrity) {
		t.Errorf("missing genesis: got %v", err)
	}

	broken := []archive.Record{recs[0], recs[1]}
	broken[1].PrevHash = "00"
	if err := archive.Verify(broken); !errors.Is(err, ledger.ErrIntegrity) {
		t.Errorf("broken link: got %v", err)
	}
}

func TestReplay_rebuildsChain(t *testing.T) {
	src := ledger.New(engine(t), zap.NewNop())
	_ = src.Initialize()
	fill(t, src, 3*ledger.Capacity+2)

	s := archive.NewMemoryStore()
	archiveAll(t, s, src)

	dst := ledger.New(engine(t), zap.NewNop())
	n, err := archive.Replay(ctx, s, dst, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("replayed %d blocks, want 3", n)
	}
	srcRoot, _ := src.Root()
	dstRoot, _ := dst.Root()
	if srcRoot != dstRoot {
		t.Error("replayed root differs from source")
	}
	if err := dst.Verify(); err != nil {
		t.Errorf("Verify() after replay: %v", err)
	}

	r, err := dst.Submit(ledger.Request{ActorID: "alice", Room: "hall", Device: "lamp", Value: 1})
	if err != nil {
		t.Fatal(err)
	}
	if r.BlockIndex != 3 || r.Slot != 0 {
		t.Errorf("first submit after replay at %d/%d, want 3/0", r.BlockIndex, r.Slot)
	}
}

func TestReplay_detectsTamperedArchive(t *testing.T) {
	src := ledger.New(engine(t), zap.NewNop())
	_ = src.Initialize()
	fill(t, src, 2*ledger.Capacity+1)

	s := archive.NewMemoryStore()
	for _, b := range sealedChain(src) {
		rec, _ := archive.FromBlock(b)
		if rec.Index() == 1 {
			rec.Block.Transactions[0].Value = 255
		}
		_ = s.Put(ctx, rec)
	}

	dst := ledger.New(engine(t), zap.NewNop())
	n, err := archive.Replay(ctx, s, dst, zap.NewNop())
	if !errors.Is(err, ledger.ErrIntegrity) {
		t.Fatalf("got %v, want ErrIntegrity", err)
	}
	if n != 1 {
		t.Errorf("replayed %d blocks before failure, want 1", n)
	}
}

func TestRestore_emptyArchiveInitialises(t *testing.T) {
	l := ledger.New(engine(t), zap.NewNop())
	if err := archive.Restore(ctx, archive.NewMemoryStore(), l, zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if h := l.Head(); h == nil || !h.IsGenesis() {
		t.Error("expected open genesis block")
	}
}

func TestArchiver_writesSealedBlocks(t *testing.T) {
	s := archive.NewMemoryStore()
	a := archive.NewArchiver(s, 16, zap.NewNop())

	var mu sync.Mutex
	writes := 0
	a.OnWrite(func(err error) {
		if err != nil {
			t.Errorf("write failed: %v", err)
		}
		mu.Lock()
		writes++
		mu.Unlock()
	})

	l := ledger.New(engine(t), zap.NewNop())
	l.OnSeal(a.Enqueue)
	_ = l.Initialize()
	fill(t, l, 2*ledger.Capacity+1)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.Run(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	n, _ := s.Len(ctx)
	if n != 2 {
		t.Errorf("archived %d blocks, want 2", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if writes != 2 {
		t.Errorf("OnWrite called %d times, want 2", writes)
	}
}

func TestArchiver_dropsWhenQueueFull(t *testing.T) {
	s := archive.NewMemoryStore()
	a := archive.NewArchiver(s, 1, zap.NewNop())

	l := ledger.New(engine(t), zap.NewNop())
	l.OnSeal(a.Enqueue)
	_ = l.Initialize()
	fill(t, l, 3*ledger.Capacity+1) // seals three blocks, no consumer running

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	a.Run(runCtx)

	n, _ := s.Len(ctx)
	if n != 1 {
		t.Errorf("archived %d blocks, want 1", n)
	}
}

// cancellableStore fails writes whose context is already done, as a
// database-backed store would.
type cancellableStore struct {
	*archive.MemoryStore
}

func (s cancellableStore) Put(ctx context.Context, rec archive.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Put(ctx, rec)
}

func TestArchiver_shutdownDrainSurvivesCancel(t *testing.T) {
	s := cancellableStore{archive.NewMemoryStore()}
	a := archive.NewArchiver(s, 64, zap.NewNop())

	var mu sync.Mutex
	var failed int
	a.OnWrite(func(err error) {
		if err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
		}
	})

	l := ledger.New(engine(t), zap.NewNop())
	l.OnSeal(a.Enqueue)
	_ = l.Initialize()
	fill(t, l, 10*ledger.Capacity+2)
	if _, err := l.Seal(); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	a.Run(runCtx)

	n, _ := s.Len(ctx)
	if n != 11 {
		t.Errorf("archived %d blocks, want 11", n)
	}
	if failed != 0 {
		t.Errorf("%d writes failed after cancel", failed)
	}

	fresh := ledger.New(engine(t), zap.NewNop())
	if err := archive.Restore(ctx, s, fresh, zap.NewNop()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if h, _ := fresh.Height(); h != 10 {
		t.Errorf("restored height = %d, want 10", h)
	}
}

func TestArchiver_backfillsDroppedBlocks(t *testing.T) {
	s := archive.NewMemoryStore()
	a := archive.NewArchiver(s, 1, zap.NewNop())

	l := ledger.New(engine(t), zap.NewNop())
	l.OnSeal(a.Enqueue)
	_ = l.Initialize()
	fill(t, l, 3*ledger.Capacity+1) // block 0 queued, blocks 1 and 2 dropped

	drain := func() {
		runCtx, cancel := context.WithCancel(ctx)
		cancel()
		a.Run(runCtx)
	}
	drain()

	fill(t, l, ledger.Capacity) // seals block 3
	drain()

	n, _ := s.Len(ctx)
	if n != 4 {
		t.Fatalf("archived %d blocks, want 4", n)
	}
	records, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := archive.Verify(records); err != nil {
		t.Errorf("backfilled archive does not verify: %v", err)
	}
}
