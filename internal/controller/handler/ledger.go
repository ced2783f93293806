package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/casa/internal/archive"
	"github.com/jmerrifield20/casa/internal/identity"
	"github.com/jmerrifield20/casa/internal/ledger"
	"github.com/jmerrifield20/casa/internal/snapshot"
	"go.uber.org/zap"
)

// LedgerHandler exposes HTTP endpoints for the command ledger.
type LedgerHandler struct {
	ledger    *ledger.Ledger
	store     archive.Store // nil = no archive configured
	adminHash string
	logger    *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. store may be nil.
func NewLedgerHandler(l *ledger.Ledger, store archive.Store, adminHash string, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, store: store, adminHash: adminHash, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/snapshot", h.Snapshot)
		l.GET("/blocks/:idx", h.GetBlock)
		l.POST("/seal", identity.RequireAdmin(h.adminHash), h.Seal)
	}
}

// Overview handles GET /ledger and returns the head index, the root digest
// and the fill level of the open block.
func (h *LedgerHandler) Overview(c *gin.Context) {
	var (
		height uint64
		open   int
		ready  bool
	)
	h.ledger.View(func(head *ledger.Block) {
		if head == nil {
			return
		}
		ready = true
		height = head.Index()
		if !head.Sealed() {
			open = head.Count()
		}
	})
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not ready"})
		return
	}

	root, err := h.ledger.Root()
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger root"})
		return
	}

	resp := gin.H{
		"height":            height,
		"root":              root.String(),
		"open_transactions": open,
		"capacity":          ledger.Capacity,
	}
	if h.store != nil {
		n, err := h.store.Len(c.Request.Context())
		if err != nil {
			h.logger.Warn("archive Len", zap.Error(err))
		} else {
			resp["archived"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Verify handles GET /ledger/verify. It walks the in-memory chain and, when
// an archive is configured, the archived chain.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.ledger.Verify(); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}

	if h.store != nil {
		records, err := h.store.List(c.Request.Context())
		if err != nil {
			h.logger.Error("archive List", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
			return
		}
		if err := archive.Verify(records); err != nil {
			h.logger.Warn("archive integrity check failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Snapshot handles GET /ledger/snapshot?ancestors=&transactions= and renders
// the chain from the head.
func (h *LedgerHandler) Snapshot(c *gin.Context) {
	opts, err := snapshotOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := snapshot.Of(h.ledger, opts)
	if err != nil {
		if errors.Is(err, ledger.ErrNotInitialized) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not ready"})
			return
		}
		h.logger.Error("snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build snapshot"})
		return
	}
	c.JSON(http.StatusOK, n)
}

func snapshotOptions(c *gin.Context) (snapshot.Options, error) {
	var opts snapshot.Options
	for key, dst := range map[string]*bool{
		"ancestors":    &opts.IncludeAncestors,
		"transactions": &opts.IncludeTransactions,
	} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, errors.New(key + " must be a boolean")
		}
		*dst = v
	}
	return opts, nil
}

// GetBlock handles GET /ledger/blocks/:idx and returns one block with its
// transactions, from memory or, failing that, from the archive.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	var n *snapshot.Node
	h.ledger.View(func(head *ledger.Block) {
		for b := head; b != nil; b = b.Predecessor() {
			if b.Index() == idx {
				n = snapshot.Build(b, snapshot.Options{IncludeTransactions: true})
				return
			}
		}
	})
	if n != nil {
		c.JSON(http.StatusOK, n)
		return
	}

	if h.store != nil {
		rec, err := h.store.Get(c.Request.Context(), idx)
		if err == nil {
			c.JSON(http.StatusOK, rec.Block)
			return
		}
		if !errors.Is(err, archive.ErrNotFound) {
			h.logger.Error("archive Get", zap.Uint64("idx", idx), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
}

// Seal handles POST /ledger/seal (admin). It closes the open block if it
// holds any transactions.
func (h *LedgerHandler) Seal(c *gin.Context) {
	b, err := h.ledger.Seal()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not ready"})
		return
	}
	if b == nil {
		c.JSON(http.StatusOK, gin.H{"sealed": nil})
		return
	}
	h.logger.Info("block sealed by operator", zap.Uint64("index", b.Index()))
	c.JSON(http.StatusOK, gin.H{"sealed": snapshot.Build(b, snapshot.Options{})})
}
