package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/casa/internal/authz"
	"github.com/jmerrifield20/casa/internal/device"
	"github.com/jmerrifield20/casa/internal/policy"
)

// PolicyHandler exposes read-only views of the installed profiles.
type PolicyHandler struct {
	engine *authz.Engine
	store  *policy.Store
	state  *device.StateTracker // nil = device readings not tracked
}

// NewPolicyHandler creates a new PolicyHandler. state may be nil.
func NewPolicyHandler(engine *authz.Engine, store *policy.Store, state *device.StateTracker) *PolicyHandler {
	return &PolicyHandler{engine: engine, store: store, state: state}
}

// Register mounts the actor and device routes on the given router group.
func (h *PolicyHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/actors")
	{
		a.GET("", h.ListActors)
		a.GET("/:actor/rooms", h.ListRooms)
		a.GET("/:actor/rooms/:room/devices/:device", h.CheckDevice)
	}
	rg.GET("/rooms/:room/devices/:device", h.GetReading)
}

// ListActors handles GET /actors.
func (h *PolicyHandler) ListActors(c *gin.Context) {
	actors := h.store.Actors()
	c.JSON(http.StatusOK, gin.H{"actors": actors, "count": len(actors)})
}

// ListRooms handles GET /actors/:actor/rooms and returns the rooms in which
// the actor may operate at least one device.
func (h *PolicyHandler) ListRooms(c *gin.Context) {
	actor := c.Param("actor")
	if _, ok := h.store.Get(actor); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no profile for actor"})
		return
	}
	rooms := h.engine.AccessibleRooms(actor)
	if rooms == nil {
		rooms = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor, "rooms": rooms})
}

// CheckDevice handles GET /actors/:actor/rooms/:room/devices/:device and
// evaluates the request without recording it.
func (h *PolicyHandler) CheckDevice(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Decide(c.Param("actor"), c.Param("room"), c.Param("device")))
}

// GetReading handles GET /rooms/:room/devices/:device and returns the last
// value applied to the device.
func (h *PolicyHandler) GetReading(c *gin.Context) {
	if h.state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device readings are not tracked"})
		return
	}
	r, ok := h.state.Get(c.Param("room"), c.Param("device"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reading for device"})
		return
	}
	c.JSON(http.StatusOK, r)
}
