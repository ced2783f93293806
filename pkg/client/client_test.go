package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jmerrifield20/casa/pkg/client"
)

var ctx = context.Background()

// ── Stub server ─────────────────────────────────────────────────────────

func stubController(t *testing.T, withTokens bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["actor"] != "alice" {
				http.Error(w, `{"error":"no profile for actor"}`, http.StatusNotFound)
				return
			}
			resp := map[string]any{"session_id": "sess-1", "actor": "alice"}
			if withTokens {
				resp["token"] = "tok-1"
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(resp)
		case http.MethodDelete:
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				http.Error(w, `{"error":"Bearer session token required"}`, http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})

	mux.HandleFunc("/api/v1/sessions/sess-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)

		if withTokens {
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				http.Error(w, `{"error":"Bearer session token required"}`, http.StatusUnauthorized)
				return
			}
			if _, ok := req["session_id"]; ok {
				t.Error("session_id must not be sent in token mode")
			}
		} else if req["session_id"] != "sess-1" {
			t.Errorf("session_id = %v", req["session_id"])
		}
		if _, ok := req["value"]; !ok {
			t.Error("value must always be sent")
		}

		allowed := req["room"] == "kitchen"
		status := http.StatusOK
		reason := "allowed"
		if !allowed {
			status = http.StatusForbidden
			reason = "unknown_room"
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"decision": map[string]any{"authorized": allowed, "reason": reason, "actor_id": "alice"},
			"receipt":  map[string]any{"block_index": 2, "slot": 1},
			"actuated": allowed,
		})
	})

	mux.HandleFunc("/api/v1/ledger/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ancestors") != "true" || r.URL.Query().Get("transactions") != "false" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"index": 1, "hash": "", "sealed": false,
			"previous": map[string]any{"index": 0, "hash": "abcd", "sealed": true},
		})
	})

	mux.HandleFunc("/api/v1/ledger/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": "block 1 has invalid hash"})
	})

	mux.HandleFunc("/api/v1/ledger/seal", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Casa-Admin") != "operator" {
			http.Error(w, `{"error":"admin secret required"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"sealed": map[string]any{"index": 3, "sealed": true}})
	})

	mux.HandleFunc("/api/v1/admin/commands", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Casa-Admin") != "operator" {
			http.Error(w, `{"error":"admin secret required"}`, http.StatusUnauthorized)
			return
		}
		var body struct {
			Actor string `json:"actor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Actor != "alice" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"decision": map[string]any{"authorized": false, "reason": "unknown_actor", "actor_id": body.Actor},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"decision": map[string]any{"authorized": true, "reason": "allowed", "actor_id": "alice"},
			"receipt":  map[string]any{"block_index": 0, "slot": 0},
			"actuated": true,
		})
	})

	mux.HandleFunc("/api/v1/actors/alice/rooms", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"actor": "alice", "rooms": []string{"kitchen", "lounge"}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestSubmit_requiresSession(t *testing.T) {
	srv := stubController(t, false)
	c := client.MustNew(srv.URL)
	if _, err := c.Submit(ctx, client.Command{Room: "kitchen", Device: "light"}); !errors.Is(err, client.ErrNoSession) {
		t.Errorf("got %v, want ErrNoSession", err)
	}
}

func TestIdentifyAndSubmit_openMode(t *testing.T) {
	srv := stubController(t, false)
	c := client.MustNew(srv.URL)

	sess, err := c.Identify(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != "sess-1" || sess.Token != "" {
		t.Errorf("unexpected session %+v", sess)
	}

	res, err := c.Submit(ctx, client.Command{Room: "kitchen", Device: "light", Value: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Decision.Authorized || !res.Actuated || res.Receipt.BlockIndex != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	denied, err := c.Submit(ctx, client.Command{Room: "garage", Device: "door", Value: 1})
	if err != nil {
		t.Fatalf("a denied command is not an error: %v", err)
	}
	if denied.Decision.Authorized || denied.Decision.Reason != "unknown_room" {
		t.Errorf("unexpected denial %+v", denied.Decision)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Session() != nil {
		t.Error("session should be cleared after Close")
	}
}

func TestIdentifyAndSubmit_tokenMode(t *testing.T) {
	srv := stubController(t, true)
	c := client.MustNew(srv.URL)

	if _, err := c.Identify(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	res, err := c.Submit(ctx, client.Command{Room: "kitchen", Device: "light", Value: 5})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Decision.Authorized {
		t.Errorf("unexpected result %+v", res)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestIdentify_unknownActor(t *testing.T) {
	srv := stubController(t, false)
	c := client.MustNew(srv.URL)
	_, err := c.Identify(ctx, "mallory")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestWithSession_resumes(t *testing.T) {
	srv := stubController(t, false)
	c := client.MustNew(srv.URL, client.WithSession(client.Session{ID: "sess-1", ActorID: "alice"}))
	if _, err := c.Submit(ctx, client.Command{Room: "kitchen", Device: "light"}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.New(srv.URL, client.WithSession(client.Session{})); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestSnapshot(t *testing.T) {
	srv := stubController(t, false)
	c := client.MustNew(srv.URL)

	head, err := c.Snapshot(ctx, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if head.Index != 1 || head.Previous == nil || head.Previous.Hash != "abcd" {
		t.Errorf("unexpected snapshot %+v", head)
	}
}

func TestVerify_reportsViolation(t *testing.T) {
	srv := stubController(t, false)
	c := client.MustNew(srv.URL)
	err := c.Verify(ctx)
	if err == nil || !strings.Contains(err.Error(), "invalid hash") {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestSeal_admin(t *testing.T) {
	srv := stubController(t, false)

	if _, err := client.MustNew(srv.URL).Seal(ctx); err == nil {
		t.Error("expected error without admin secret")
	}

	b, err := client.MustNew(srv.URL, client.WithAdminSecret("operator")).Seal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Index != 3 {
		t.Errorf("unexpected sealed block %+v", b)
	}
}

func TestSubmitAs_admin(t *testing.T) {
	srv := stubController(t, false)
	cmd := client.Command{Room: "kitchen", Device: "light", Value: 9}

	if _, err := client.MustNew(srv.URL).SubmitAs(ctx, "alice", cmd); err == nil {
		t.Error("expected error without admin secret")
	}

	c := client.MustNew(srv.URL, client.WithAdminSecret("operator"))
	res, err := c.SubmitAs(ctx, "alice", cmd)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Decision.Authorized || !res.Actuated {
		t.Errorf("unexpected result %+v", res)
	}

	denied, err := c.SubmitAs(ctx, "mallory", cmd)
	if err != nil {
		t.Fatalf("a denial is not an error: %v", err)
	}
	if denied.Decision.Authorized || denied.Decision.Reason != "unknown_actor" {
		t.Errorf("unexpected denial %+v", denied.Decision)
	}
}

func TestRooms(t *testing.T) {
	srv := stubController(t, false)
	rooms, err := client.MustNew(srv.URL).Rooms(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0] != "kitchen" {
		t.Errorf("unexpected rooms %v", rooms)
	}
}
