// Package authz decides whether an actor may drive a device in a room.
//
// Evaluation is deterministic and never fails: an unknown actor, room, or
// device is a denial, reported with a Reason so diagnostics can tell the
// cases apart.
package authz

import (
	"github.com/jmerrifield20/casa/internal/policy"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed        Reason = "allowed"
	ReasonDenied         Reason = "denied"          // room known, device not in its set
	ReasonUnknownActor   Reason = "unknown_actor"   // no profile loaded
	ReasonUnknownRoom    Reason = "unknown_room"    // profile has no entry for the room
	ReasonUnknownSession Reason = "unknown_session" // session not bound to any actor
)

// Decision is the verdict for one request.
type Decision struct {
	Allowed bool   `json:"authorized"`
	Reason  Reason `json:"reason"`
	ActorID string `json:"actor_id,omitempty"`
}

// Engine evaluates requests against a policy.Store.
type Engine struct {
	store *policy.Store
}

// New creates an Engine backed by store.
func New(store *policy.Store) *Engine {
	return &Engine{store: store}
}

// Decide returns the verdict and its reason for actorID acting on device in room.
func (e *Engine) Decide(actorID, room, device string) Decision {
	p, ok := e.store.Get(actorID)
	if !ok {
		return Decision{Reason: ReasonUnknownActor, ActorID: actorID}
	}
	if _, ok := p.Permissions[room]; !ok {
		return Decision{Reason: ReasonUnknownRoom, ActorID: actorID}
	}
	if !p.Allows(room, device) {
		return Decision{Reason: ReasonDenied, ActorID: actorID}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed, ActorID: actorID}
}

// Evaluate reports whether actorID may act on device in room.
func (e *Engine) Evaluate(actorID, room, device string) bool {
	return e.Decide(actorID, room, device).Allowed
}

// RoomIsAccessible reports whether actorID has any device permitted in room.
func (e *Engine) RoomIsAccessible(actorID, room string) bool {
	p, ok := e.store.Get(actorID)
	if !ok {
		return false
	}
	return len(p.Permissions[room]) > 0
}

// AccessibleRooms lists the rooms actorID may see, sorted.
func (e *Engine) AccessibleRooms(actorID string) []string {
	p, ok := e.store.Get(actorID)
	if !ok {
		return nil
	}
	return p.Rooms()
}

// BindSession associates an opaque session identifier with actorID.
// Any earlier binding for the actor is replaced.
func (e *Engine) BindSession(actorID, session string) error {
	return e.store.BindSession(actorID, session)
}

// UnbindSession drops session. Unknown sessions are ignored.
func (e *Engine) UnbindSession(session string) {
	e.store.UnbindSession(session)
}

// ResolveActorBySession returns the actor bound to session.
func (e *Engine) ResolveActorBySession(session string) (string, bool) {
	return e.store.ActorForSession(session)
}

// DecideForSession resolves session and evaluates the request for its actor.
// An unresolved session is denied without consulting any profile.
func (e *Engine) DecideForSession(session, room, device string) Decision {
	actorID, ok := e.ResolveActorBySession(session)
	if !ok {
		return Decision{Reason: ReasonUnknownSession}
	}
	return e.Decide(actorID, room, device)
}
