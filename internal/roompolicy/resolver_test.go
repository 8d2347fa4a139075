package roompolicy

import (
	"testing"
)

func testSettings() Settings {
	return Settings{
		Domain: "bridge.example",
		CustomTargets: map[string][]string{
			"Team@Elsewhere.example": {"!team:example.org", "!ops:example.org"},
		},
		Defaults: map[string]any{
			"allowFromAnyone": true,
			"useToAsTarget":   true,
			"useCcAsTarget":   true,
			"useBccAsTarget":  false,
			"attachments": map[string]any{
				"post":          true,
				"allowAllTypes": true,
				"blockedTypes":  []any{"application/x-msdownload"},
			},
			"messageFormat": "$from_name: $text_body",
		},
		Rooms: map[string]map[string]any{
			"!alice:room.bridge.example": {},
			"!team:example.org":          {"useCcAsTarget": false},
			"!ops:example.org": {
				"attachments": map[string]any{"post": false},
			},
		},
	}
}

func TestDeriveRoomID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		want    string
		ok      bool
	}{
		{"alice_room.bridge.example@bridge.example", "!alice:room.bridge.example", true},
		{"abc_matrix_org@bridge.example", "!abc:matrix_org", true},
		{"AbC_server@BRIDGE.example", "!AbC:server", true},
		{"nounderscore@bridge.example", "", false},
		{"_server@bridge.example", "", false},
		{"room_@bridge.example", "", false},
		{"alice_room@other.example", "", false},
		{"alice_room@sub.bridge.example", "", false},
	}

	for _, tt := range tests {
		got, ok := DeriveRoomID(tt.address, "bridge.example")
		if ok != tt.ok || got != tt.want {
			t.Errorf("DeriveRoomID(%q): got (%q, %v), want (%q, %v)", tt.address, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResolve_DerivedAddress(t *testing.T) {
	t.Parallel()

	r := NewResolver(testSettings())
	policies := r.Resolve("alice_room.bridge.example@bridge.example", SourceTo)
	if len(policies) != 1 {
		t.Fatalf("policies: got %d, want 1", len(policies))
	}

	p := policies[0]
	if p.RoomID != "!alice:room.bridge.example" {
		t.Errorf("RoomID: got %q", p.RoomID)
	}
	if !p.AllowFromAnyone {
		t.Error("AllowFromAnyone should be inherited from defaults")
	}
	if p.MessageFormat != "$from_name: $text_body" {
		t.Errorf("MessageFormat: got %q", p.MessageFormat)
	}
	if len(p.Attachments.BlockedTypes) != 1 || p.Attachments.BlockedTypes[0] != "application/x-msdownload" {
		t.Errorf("BlockedTypes: got %v", p.Attachments.BlockedTypes)
	}
}

func TestResolve_NoRoute(t *testing.T) {
	t.Parallel()

	r := NewResolver(testSettings())

	for _, addr := range []string{
		"nounderscore@bridge.example",
		"someone_else@unrelated.example",
		"",
	} {
		if got := r.Resolve(addr, SourceTo); len(got) != 0 {
			t.Errorf("Resolve(%q): got %d policies, want none", addr, len(got))
		}
	}
}

func TestResolve_UnconfiguredRoomIsDropped(t *testing.T) {
	t.Parallel()

	r := NewResolver(testSettings())
	if got := r.Resolve("unknown_server@bridge.example", SourceTo); len(got) != 0 {
		t.Errorf("got %d policies for unconfigured room, want 0", len(got))
	}
	if !r.IsRoutable("unknown_server@bridge.example") {
		t.Error("address should still be routable")
	}
}

func TestResolve_CustomTargets(t *testing.T) {
	t.Parallel()

	r := NewResolver(testSettings())

	to := r.Resolve("team@elsewhere.example", SourceTo)
	if len(to) != 2 {
		t.Fatalf("to: got %d policies, want 2", len(to))
	}
	if to[0].RoomID != "!team:example.org" || to[1].RoomID != "!ops:example.org" {
		t.Errorf("room order: got %q, %q", to[0].RoomID, to[1].RoomID)
	}

	// !team disables cc while !ops inherits the default.
	cc := r.Resolve("team@elsewhere.example", SourceCc)
	if len(cc) != 1 || cc[0].RoomID != "!ops:example.org" {
		t.Fatalf("cc: got %+v", cc)
	}
	if cc[0].Attachments.Post {
		t.Error("ops override should disable attachment posting")
	}
	if !cc[0].Attachments.AllowAllTypes {
		t.Error("nested attachment defaults should survive the override")
	}
}

func TestResolve_SourceGating(t *testing.T) {
	t.Parallel()

	r := NewResolver(testSettings())
	if got := r.Resolve("alice_room.bridge.example@bridge.example", SourceBcc); len(got) != 0 {
		t.Errorf("bcc: got %d policies, want 0", len(got))
	}
	if got := r.Resolve("alice_room.bridge.example@bridge.example", SourceEnvelope); len(got) != 0 {
		t.Errorf("envelope: got %d policies, want 0", len(got))
	}
}

func TestResolve_EnvelopeAlias(t *testing.T) {
	t.Parallel()

	s := testSettings()
	s.Rooms["!alice:room.bridge.example"] = map[string]any{"useEnvelopeAsTarget": true}
	r := NewResolver(s)

	if got := r.Resolve("alice_room.bridge.example@bridge.example", SourceEnvelope); len(got) != 1 {
		t.Errorf("envelope: got %d policies, want 1", len(got))
	}
}

func TestSetSettings_AppliesToNextLookup(t *testing.T) {
	t.Parallel()

	r := NewResolver(testSettings())
	p, ok := r.Policy("!alice:room.bridge.example")
	if !ok || !p.AllowFromAnyone {
		t.Fatalf("initial policy: ok=%v allowFromAnyone=%v", ok, p.AllowFromAnyone)
	}

	s := testSettings()
	s.Rooms["!alice:room.bridge.example"] = map[string]any{"allowFromAnyone": false}
	r.SetSettings(s)

	p, ok = r.Policy("!alice:room.bridge.example")
	if !ok || p.AllowFromAnyone {
		t.Errorf("updated policy: ok=%v allowFromAnyone=%v", ok, p.AllowFromAnyone)
	}
}
