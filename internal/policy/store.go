// Package policy holds the per-actor access-control profiles consulted by
// the authorization engine, together with each actor's bound session.
//
// Profiles are bulk-loaded at start-up and may be swapped wholesale by a
// reload. Otherwise the only mutation is session binding. Installed *Profile values are immutable: a binding swaps
// in a fresh copy, so readers never observe a half-updated profile.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownActor is returned when an operation names an actor with no profile.
var ErrUnknownActor = errors.New("unknown actor")

// ErrInvalidSession is returned when binding an empty session identifier.
var ErrInvalidSession = errors.New("invalid session")

// Store is a process-wide, thread-safe profile registry.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	sessions map[string]string // session -> actor id
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		profiles: make(map[string]*Profile),
		sessions: make(map[string]string),
	}
}

// Load validates and installs specs. A spec that fails validation is skipped
// and reported; the others are still installed. The returned error joins
// one error per rejected profile and is nil when every spec was installed.
//
// An installed profile replaces any previous one for the same actor and
// keeps that actor's session binding.
func (s *Store) Load(specs []ProfileSpec) error {
	var errs []error
	for _, spec := range specs {
		if err := Validate(spec); err != nil {
			errs = append(errs, fmt.Errorf("profile %q: %w", spec.ActorID, err))
			continue
		}
		p := build(spec)

		s.mu.Lock()
		if prev, ok := s.profiles[spec.ActorID]; ok {
			p.BoundSession = prev.BoundSession
		}
		s.profiles[spec.ActorID] = p
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Replace swaps the installed profile set for the valid specs in one step.
// Actors absent from specs are removed along with their sessions; actors that
// remain keep their session binding. Rejected specs are reported as in Load,
// and an actor whose new spec is rejected is removed.
func (s *Store) Replace(specs []ProfileSpec) error {
	var errs []error
	next := make(map[string]*Profile, len(specs))
	for _, spec := range specs {
		if err := Validate(spec); err != nil {
			errs = append(errs, fmt.Errorf("profile %q: %w", spec.ActorID, err))
			continue
		}
		next[spec.ActorID] = build(spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make(map[string]string, len(s.sessions))
	for session, actorID := range s.sessions {
		p, ok := next[actorID]
		if !ok {
			continue
		}
		next[actorID] = p.withSession(session)
		sessions[session] = actorID
	}
	s.profiles = next
	s.sessions = sessions
	return errors.Join(errs...)
}

// Get returns the installed profile for actorID.
func (s *Store) Get(actorID string) (*Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[actorID]
	return p, ok
}

// Len returns the number of installed profiles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// Actors returns the ids of all installed profiles, sorted.
func (s *Store) Actors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BindSession associates session with actorID. The last bind wins: the
// actor's previous session stops resolving, and if session was bound to a
// different actor that actor loses it.
func (s *Store) BindSession(actorID, session string) error {
	if session == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[actorID]
	if !ok {
		return fmt.Errorf("bind session: %w: %q", ErrUnknownActor, actorID)
	}

	if p.BoundSession != "" {
		delete(s.sessions, p.BoundSession)
	}
	if owner, ok := s.sessions[session]; ok && owner != actorID {
		if other, ok := s.profiles[owner]; ok {
			s.profiles[owner] = other.withSession("")
		}
	}

	s.profiles[actorID] = p.withSession(session)
	s.sessions[session] = actorID
	return nil
}

// UnbindSession drops session. It is a no-op for an unknown session.
func (s *Store) UnbindSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actorID, ok := s.sessions[session]
	if !ok {
		return
	}
	delete(s.sessions, session)
	if p, ok := s.profiles[actorID]; ok && p.BoundSession == session {
		s.profiles[actorID] = p.withSession("")
	}
}

// ActorForSession resolves a bound session to its actor id.
func (s *Store) ActorForSession(session string) (string, bool) {
	if session == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[session]
	return id, ok
}
