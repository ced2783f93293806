// Package service holds the controller's use cases: identifying clients,
// recording device commands on the ledger, and driving the devices the
// ledger authorizes.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/casa/internal/authz"
	"github.com/jmerrifield20/casa/internal/device"
	"github.com/jmerrifield20/casa/internal/identity"
	"github.com/jmerrifield20/casa/internal/ledger"
	"go.uber.org/zap"
)

// ErrUnknownActor is returned by Identify for an actor without a profile.
var ErrUnknownActor = errors.New("unknown actor")

// Command is a device-control command as received from a client.
type Command struct {
	Room      string
	Device    string
	Value     uint8
	ForceSeal bool
}

// Result is the outcome of a submitted command.
type Result struct {
	Decision authz.Decision `json:"decision"`

	// Receipt is nil when the command was refused before reaching the
	// ledger, which only happens for an unresolved session.
	Receipt *ledger.Receipt `json:"receipt,omitempty"`

	// Actuated reports whether the device accepted the value.
	Actuated bool `json:"actuated"`
}

// Session is an issued client session.
type Session struct {
	ID      string `json:"session_id"`
	ActorID string `json:"actor"`
	Token   string `json:"token,omitempty"`
}

// CommandService ties the policy engine, ledger and actuator together.
type CommandService struct {
	engine   *authz.Engine
	ledger   *ledger.Ledger
	actuator device.Actuator
	sessions *identity.SessionIssuer
	logger   *zap.Logger
	observer func(Result)
}

// NewCommandService creates a CommandService. sessions may be nil, in which
// case Identify returns sessions without a signed token.
func NewCommandService(
	engine *authz.Engine,
	l *ledger.Ledger,
	actuator device.Actuator,
	sessions *identity.SessionIssuer,
	logger *zap.Logger,
) *CommandService {
	return &CommandService{
		engine:   engine,
		ledger:   l,
		actuator: actuator,
		sessions: sessions,
		logger:   logger,
	}
}

// OnResult registers a callback that sees every command outcome.
func (s *CommandService) OnResult(fn func(Result)) { s.observer = fn }

// Identify opens a new session for actorID. Any previous session of the
// actor stops resolving.
func (s *CommandService) Identify(actorID string) (*Session, error) {
	sid := identity.NewSessionID()
	if err := s.engine.BindSession(actorID, sid); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
	}
	sess := &Session{ID: sid, ActorID: actorID}
	if s.sessions != nil {
		token, err := s.sessions.Issue(actorID, sid)
		if err != nil {
			return nil, err
		}
		sess.Token = token
	}
	s.logger.Info("client identified", zap.String("actor", actorID), zap.String("session", sid))
	return sess, nil
}

// Close ends a session.
func (s *CommandService) Close(sessionID string) {
	s.engine.UnbindSession(sessionID)
}

// SubmitForSession records cmd for whichever actor sessionID is bound to.
// A session that no longer resolves is denied without touching the ledger.
func (s *CommandService) SubmitForSession(ctx context.Context, sessionID string, cmd Command) (Result, error) {
	actorID, ok := s.engine.ResolveActorBySession(sessionID)
	if !ok {
		s.logger.Warn("command from unbound session",
			zap.String("session", sessionID),
			zap.String("room", cmd.Room),
			zap.String("device", cmd.Device),
		)
		res := Result{Decision: authz.Decision{Reason: authz.ReasonUnknownSession}}
		s.observe(res)
		return res, nil
	}
	return s.SubmitAsActor(ctx, actorID, cmd)
}

// SubmitAsActor records cmd for actorID and, when authorized, applies it to
// the device. The error return is reserved for malformed commands and an
// uninitialised ledger; denials are reported through the Result.
func (s *CommandService) SubmitAsActor(ctx context.Context, actorID string, cmd Command) (Result, error) {
	receipt, err := s.ledger.Submit(ledger.Request{
		ActorID:   actorID,
		Room:      cmd.Room,
		Device:    cmd.Device,
		Value:     cmd.Value,
		ForceSeal: cmd.ForceSeal,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Decision: receipt.Decision, Receipt: &receipt}
	if receipt.Decision.Allowed {
		if err := s.actuator.Apply(ctx, cmd.Room, cmd.Device, cmd.Value); err != nil {
			s.logger.Error("actuate device",
				zap.String("room", cmd.Room),
				zap.String("device", cmd.Device),
				zap.Error(err),
			)
		} else {
			res.Actuated = true
		}
	}
	s.observe(res)
	return res, nil
}

func (s *CommandService) observe(res Result) {
	if s.observer != nil {
		s.observer(res)
	}
}
