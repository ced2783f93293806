package policy_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jmerrifield20/casa/internal/policy"
)

func aliceSpec() policy.ProfileSpec {
	return policy.ProfileSpec{
		ActorID: "alice",
		Grants: []policy.RoomGrant{
			{Room: "kitchen", Devices: []string{"light"}},
			{Room: "lounge", Devices: []string{"ceiling_light", "fireplace"}},
		},
	}
}

func TestLoad_installsProfile(t *testing.T) {
	s := policy.NewStore()
	if err := s.Load([]policy.ProfileSpec{aliceSpec()}); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	p, ok := s.Get("alice")
	if !ok {
		t.Fatal("expected alice to be installed")
	}
	if !p.Allows("lounge", "fireplace") {
		t.Error("expected lounge/fireplace to be allowed")
	}
	if p.Allows("lounge", "Fireplace") {
		t.Error("device match must be case-sensitive")
	}
	if p.Allows("garage", "light") {
		t.Error("absent room must not be allowed")
	}
}

func TestLoad_duplicateDeviceRejectsOnlyThatProfile(t *testing.T) {
	s := policy.NewStore()
	if err := s.Load([]policy.ProfileSpec{aliceSpec()}); err != nil {
		t.Fatal(err)
	}

	bad := policy.ProfileSpec{
		ActorID: "carol",
		Grants:  []policy.RoomGrant{{Room: "kitchen", Devices: []string{"light", "light"}}},
	}
	dave := policy.ProfileSpec{
		ActorID: "dave",
		Grants:  []policy.RoomGrant{{Room: "garage", Devices: []string{"entrance_light"}}},
	}

	err := s.Load([]policy.ProfileSpec{bad, dave})
	if !errors.Is(err, policy.ErrPolicyConflict) {
		t.Fatalf("expected ErrPolicyConflict, got %v", err)
	}
	if _, ok := s.Get("carol"); ok {
		t.Error("conflicting profile must not be installed")
	}
	if _, ok := s.Get("dave"); !ok {
		t.Error("valid profile in the same batch must be installed")
	}
	if p, ok := s.Get("alice"); !ok || !p.Allows("kitchen", "light") {
		t.Error("previously loaded profile must be untouched")
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestLoad_duplicateFailureKeepsPriorVersion(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec()})

	broken := policy.ProfileSpec{
		ActorID: "alice",
		Grants:  []policy.RoomGrant{{Room: "garage", Devices: []string{"door", "door"}}},
	}
	if err := s.Load([]policy.ProfileSpec{broken}); err == nil {
		t.Fatal("expected error")
	}
	p, _ := s.Get("alice")
	if p.Allows("garage", "door") || !p.Allows("kitchen", "light") {
		t.Error("rejected reload must leave the installed profile intact")
	}
}

func TestValidate_bounds(t *testing.T) {
	tests := []struct {
		name string
		spec policy.ProfileSpec
		want error
	}{
		{"empty actor", policy.ProfileSpec{}, policy.ErrInvalidProfile},
		{"long actor", policy.ProfileSpec{ActorID: strings.Repeat("a", policy.MaxActorIDLen+1)}, policy.ErrInvalidProfile},
		{"long room", policy.ProfileSpec{ActorID: "a", Grants: []policy.RoomGrant{{Room: strings.Repeat("r", policy.MaxRoomLen+1)}}}, policy.ErrInvalidProfile},
		{"empty device", policy.ProfileSpec{ActorID: "a", Grants: []policy.RoomGrant{{Room: "r", Devices: []string{""}}}}, policy.ErrInvalidProfile},
		{"too many devices", policy.ProfileSpec{ActorID: "a", Grants: []policy.RoomGrant{{Room: "r", Devices: manyDevices(policy.MaxDevicesPerRoom + 1)}}}, policy.ErrInvalidProfile},
		{"duplicate room", policy.ProfileSpec{ActorID: "a", Grants: []policy.RoomGrant{{Room: "r"}, {Room: "r"}}}, policy.ErrPolicyConflict},
		{"valid at bounds", policy.ProfileSpec{ActorID: strings.Repeat("a", policy.MaxActorIDLen), Grants: []policy.RoomGrant{{Room: "r", Devices: manyDevices(policy.MaxDevicesPerRoom)}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Validate(tt.spec)
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func manyDevices(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "d" + strings.Repeat("x", i)
	}
	return out
}

func TestProfile_RoomsSkipsEmptySets(t *testing.T) {
	s := policy.NewStore()
	spec := aliceSpec()
	spec.Grants = append(spec.Grants, policy.RoomGrant{Room: "attic"})
	_ = s.Load([]policy.ProfileSpec{spec})

	p, _ := s.Get("alice")
	got := strings.Join(p.Rooms(), ",")
	if got != "kitchen,lounge" {
		t.Errorf("Rooms() = %q, want kitchen,lounge", got)
	}
	if got := strings.Join(p.Devices("lounge"), ","); got != "ceiling_light,fireplace" {
		t.Errorf("Devices(lounge) = %q", got)
	}
}

func TestBindSession_lastWriterWins(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec()})

	if err := s.BindSession("alice", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.BindSession("alice", "sess-2"); err != nil {
		t.Fatalf("rebinding must not fail: %v", err)
	}

	if _, ok := s.ActorForSession("sess-1"); ok {
		t.Error("superseded session must no longer resolve")
	}
	if id, ok := s.ActorForSession("sess-2"); !ok || id != "alice" {
		t.Errorf("ActorForSession(sess-2) = %q, %v", id, ok)
	}
	p, _ := s.Get("alice")
	if p.BoundSession != "sess-2" {
		t.Errorf("BoundSession = %q, want sess-2", p.BoundSession)
	}
}

func TestBindSession_unknownActor(t *testing.T) {
	s := policy.NewStore()
	if err := s.BindSession("bob", "sess"); !errors.Is(err, policy.ErrUnknownActor) {
		t.Errorf("expected ErrUnknownActor, got %v", err)
	}
	if err := s.BindSession("bob", ""); !errors.Is(err, policy.ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
}

func TestBindSession_movesSessionBetweenActors(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec(), {ActorID: "dave"}})

	_ = s.BindSession("alice", "shared")
	_ = s.BindSession("dave", "shared")

	if id, _ := s.ActorForSession("shared"); id != "dave" {
		t.Errorf("session owner = %q, want dave", id)
	}
	if p, _ := s.Get("alice"); p.BoundSession != "" {
		t.Errorf("alice should have lost the session, has %q", p.BoundSession)
	}
}

func TestUnbindSession(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec()})
	_ = s.BindSession("alice", "sess")

	s.UnbindSession("sess")
	s.UnbindSession("never-bound")

	if _, ok := s.ActorForSession("sess"); ok {
		t.Error("unbound session must not resolve")
	}
}

func TestBindSession_profileSnapshotsAreImmutable(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec()})
	before, _ := s.Get("alice")

	_ = s.BindSession("alice", "sess")

	if before.BoundSession != "" {
		t.Error("a profile handed to a reader must not change after a bind")
	}
}

func TestStore_concurrentBindAndRead(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.BindSession("alice", "sess-"+strings.Repeat("x", i))
		}(i)
		go func() {
			defer wg.Done()
			p, ok := s.Get("alice")
			if !ok || !p.Allows("kitchen", "light") {
				t.Error("reader observed an incomplete profile")
			}
		}()
	}
	wg.Wait()
}

func TestReplace_dropsAbsentActorsAndTheirSessions(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec(), {ActorID: "bob", Grants: []policy.RoomGrant{{Room: "kitchen", Devices: []string{"light"}}}}})
	_ = s.BindSession("alice", "sess-a")
	_ = s.BindSession("bob", "sess-b")

	if err := s.Replace([]policy.ProfileSpec{aliceSpec()}); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}

	if got := strings.Join(s.Actors(), ","); got != "alice" {
		t.Errorf("Actors() = %q, want alice", got)
	}
	if _, ok := s.Get("bob"); ok {
		t.Error("bob must be removed")
	}
	if _, ok := s.ActorForSession("sess-b"); ok {
		t.Error("removed actor's session must not resolve")
	}
	if id, ok := s.ActorForSession("sess-a"); !ok || id != "alice" {
		t.Errorf("ActorForSession(sess-a) = %q, %v", id, ok)
	}
	if p, _ := s.Get("alice"); p.BoundSession != "sess-a" {
		t.Errorf("BoundSession = %q, want sess-a", p.BoundSession)
	}
}

func TestReplace_rejectedSpecRemovesActor(t *testing.T) {
	s := policy.NewStore()
	_ = s.Load([]policy.ProfileSpec{aliceSpec()})

	bad := policy.ProfileSpec{ActorID: "alice", Grants: []policy.RoomGrant{{Room: "kitchen", Devices: []string{"light", "light"}}}}
	if err := s.Replace([]policy.ProfileSpec{bad}); !errors.Is(err, policy.ErrPolicyConflict) {
		t.Errorf("got %v, want ErrPolicyConflict", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}
