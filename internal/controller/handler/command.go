package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/casa/internal/controller/service"
	"github.com/jmerrifield20/casa/internal/identity"
	"github.com/jmerrifield20/casa/internal/ledger"
	"go.uber.org/zap"
)

// CommandHandler handles client identification and device commands.
type CommandHandler struct {
	svc       *service.CommandService
	sessions  *identity.SessionIssuer // nil = sessions are passed in the request body
	adminHash string
	logger    *zap.Logger
}

// NewCommandHandler creates a new CommandHandler. With a nil sessions
// issuer the controller runs in open mode: clients name their session id in
// the command body instead of presenting a signed token. adminHash guards
// submission on behalf of a named actor.
func NewCommandHandler(svc *service.CommandService, sessions *identity.SessionIssuer, adminHash string, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{svc: svc, sessions: sessions, adminHash: adminHash, logger: logger}
}

// Register mounts the session and command routes on the given router group.
func (h *CommandHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.Identify)
	rg.POST("/admin/commands", identity.RequireAdmin(h.adminHash), h.SubmitAsActor)
	if h.sessions != nil {
		rg.DELETE("/sessions", identity.RequireSession(h.sessions), h.Close)
		rg.POST("/commands", identity.RequireSession(h.sessions), h.Submit)
		return
	}
	rg.DELETE("/sessions/:id", h.Close)
	rg.POST("/commands", h.Submit)
}

type identifyRequest struct {
	Actor string `json:"actor" binding:"required"`
}

// Identify handles POST /sessions and binds a fresh session to the actor.
func (h *CommandHandler) Identify(c *gin.Context) {
	var req identifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.svc.Identify(req.Actor)
	if err != nil {
		if errors.Is(err, service.ErrUnknownActor) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no profile for actor"})
			return
		}
		h.logger.Error("identify", zap.String("actor", req.Actor), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open session"})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// Close handles DELETE /sessions, ending the caller's session.
func (h *CommandHandler) Close(c *gin.Context) {
	if claims := identity.SessionFromCtx(c); claims != nil {
		h.svc.Close(claims.SessionID)
	} else {
		h.svc.Close(c.Param("id"))
	}
	c.Status(http.StatusNoContent)
}

type commandRequest struct {
	Session   string `json:"session_id"`
	Room      string `json:"room" binding:"required"`
	Device    string `json:"device" binding:"required"`
	Value     *uint8 `json:"value" binding:"required"`
	ForceSeal bool   `json:"force_seal"`
}

// Submit handles POST /commands. The command is recorded whether or not it
// is authorized; the response status reflects the verdict.
func (h *CommandHandler) Submit(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := req.Session
	if claims := identity.SessionFromCtx(c); claims != nil {
		session = claims.SessionID
	}
	if session == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	res, err := h.svc.SubmitForSession(c.Request.Context(), session, req.command())
	h.respond(c, res, err)
}

type actorCommandRequest struct {
	commandRequest
	Actor string `json:"actor" binding:"required"`
}

// SubmitAsActor handles POST /admin/commands. An operator records a command
// on behalf of the named actor without a session; the actor's profile still
// decides the verdict.
func (h *CommandHandler) SubmitAsActor(c *gin.Context) {
	var req actorCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.SubmitAsActor(c.Request.Context(), req.Actor, req.command())
	h.respond(c, res, err)
}

func (r commandRequest) command() service.Command {
	return service.Command{
		Room:      r.Room,
		Device:    r.Device,
		Value:     *r.Value,
		ForceSeal: r.ForceSeal,
	}
}

// respond maps a submission outcome to a status: 200 allowed, 403 denied.
func (h *CommandHandler) respond(c *gin.Context, res service.Result, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ledger.ErrNotInitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not ready"})
		return
	case err != nil:
		h.logger.Error("submit command", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record command"})
		return
	}

	status := http.StatusOK
	if !res.Decision.Allowed {
		status = http.StatusForbidden
	}
	c.JSON(status, res)
}
