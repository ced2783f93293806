package policy

import (
	"errors"
	"fmt"
	"sort"
)

// Bounds on identifiers carried by profiles and transactions. Inputs that
// exceed them are rejected, never truncated.
const (
	MaxActorIDLen     = 16
	MaxRoomLen        = 32
	MaxDeviceLen      = 32
	MaxDevicesPerRoom = 16
)

// ErrPolicyConflict is returned when a profile lists the same device twice
// under one room. The whole profile is rejected.
var ErrPolicyConflict = errors.New("policy conflict")

// ErrInvalidProfile is returned when a profile violates a length or size bound.
var ErrInvalidProfile = errors.New("invalid profile")

// RoomGrant is one parsed permission entry: a room and the devices in it
// the actor may drive.
type RoomGrant struct {
	Room    string   `json:"roomName" mapstructure:"roomName"`
	Devices []string `json:"nodes" mapstructure:"nodes"`
}

// ProfileSpec is an already-parsed profile as handed over by a loader.
type ProfileSpec struct {
	ActorID string
	Grants  []RoomGrant
}

// Profile is an installed access-control policy for one actor.
// A *Profile obtained from a Store is never modified afterwards.
type Profile struct {
	ActorID      string
	Permissions  map[string]map[string]struct{} // room -> device set
	BoundSession string                         // empty when no session is bound
}

// Allows reports whether device is in the actor's set for room.
// Matching is exact and case-sensitive.
func (p *Profile) Allows(room, device string) bool {
	if p == nil {
		return false
	}
	devices, ok := p.Permissions[room]
	if !ok {
		return false
	}
	_, ok = devices[device]
	return ok
}

// Rooms returns the rooms with at least one permitted device, sorted.
func (p *Profile) Rooms() []string {
	if p == nil {
		return nil
	}
	rooms := make([]string, 0, len(p.Permissions))
	for room, devices := range p.Permissions {
		if len(devices) > 0 {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms
}

// Devices returns the permitted devices for room, sorted.
func (p *Profile) Devices(room string) []string {
	if p == nil {
		return nil
	}
	set := p.Permissions[room]
	devices := make([]string, 0, len(set))
	for d := range set {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices
}

// withSession returns a shallow copy of p bound to session. The permission
// map is shared; it is never written after installation.
func (p *Profile) withSession(session string) *Profile {
	cp := *p
	cp.BoundSession = session
	return &cp
}

// Validate checks spec against the bounds and uniqueness rules.
// It returns an error wrapping ErrPolicyConflict or ErrInvalidProfile.
func Validate(spec ProfileSpec) error {
	if spec.ActorID == "" || len(spec.ActorID) > MaxActorIDLen {
		return fmt.Errorf("%w: actor id %q must be 1-%d bytes", ErrInvalidProfile, spec.ActorID, MaxActorIDLen)
	}
	seenRooms := make(map[string]struct{}, len(spec.Grants))
	for _, g := range spec.Grants {
		if g.Room == "" || len(g.Room) > MaxRoomLen {
			return fmt.Errorf("%w: room %q must be 1-%d bytes", ErrInvalidProfile, g.Room, MaxRoomLen)
		}
		if _, dup := seenRooms[g.Room]; dup {
			return fmt.Errorf("%w: room %q listed twice for %s", ErrPolicyConflict, g.Room, spec.ActorID)
		}
		seenRooms[g.Room] = struct{}{}

		if len(g.Devices) > MaxDevicesPerRoom {
			return fmt.Errorf("%w: room %q has %d devices (max %d)", ErrInvalidProfile, g.Room, len(g.Devices), MaxDevicesPerRoom)
		}
		seen := make(map[string]struct{}, len(g.Devices))
		for _, d := range g.Devices {
			if d == "" || len(d) > MaxDeviceLen {
				return fmt.Errorf("%w: device %q must be 1-%d bytes", ErrInvalidProfile, d, MaxDeviceLen)
			}
			if _, dup := seen[d]; dup {
				return fmt.Errorf("%w: device %q listed twice in room %q for %s", ErrPolicyConflict, d, g.Room, spec.ActorID)
			}
			seen[d] = struct{}{}
		}
	}
	return nil
}

// build turns a validated spec into a Profile.
func build(spec ProfileSpec) *Profile {
	perms := make(map[string]map[string]struct{}, len(spec.Grants))
	for _, g := range spec.Grants {
		set := make(map[string]struct{}, len(g.Devices))
		for _, d := range g.Devices {
			set[d] = struct{}{}
		}
		perms[g.Room] = set
	}
	return &Profile{ActorID: spec.ActorID, Permissions: perms}
}
