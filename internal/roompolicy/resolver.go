package roompolicy

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/shineum/smtp-matrix-bridge/internal/logging"
)

// Settings is the read-only configuration the resolver works from.
type Settings struct {
	// Domain is the mail domain whose local parts encode room ids.
	Domain string

	// CustomTargets maps an email address to one or more room ids.
	CustomTargets map[string][]string

	// Defaults is the default room configuration tree.
	Defaults map[string]any

	// Rooms maps a room id to its override tree. A room without an entry
	// has no policy and never receives mail.
	Rooms map[string]map[string]any
}

// Resolver maps recipient addresses to room policies.
type Resolver struct {
	settings atomic.Pointer[Settings]
}

// NewResolver creates a Resolver over the given settings.
func NewResolver(s Settings) *Resolver {
	r := &Resolver{}
	r.SetSettings(s)
	return r
}

// SetSettings swaps the configuration used by subsequent lookups.
func (r *Resolver) SetSettings(s Settings) {
	targets := make(map[string][]string, len(s.CustomTargets))
	for addr, rooms := range s.CustomTargets {
		key := strings.ToLower(strings.TrimSpace(addr))
		targets[key] = append(targets[key], rooms...)
	}
	s.CustomTargets = targets
	r.settings.Store(&s)
}

// Domain returns the configured mail domain.
func (r *Resolver) Domain() string {
	return r.settings.Load().Domain
}

// Policy returns the merged policy for a room, or false when the room has no
// configuration entry.
func (r *Resolver) Policy(roomID string) (Policy, bool) {
	s := r.settings.Load()

	overrides, ok := s.Rooms[roomID]
	if !ok {
		slog.Warn("no configuration for room", "room_id", roomID)
		return Policy{}, false
	}

	p, err := decodePolicy(roomID, Merge(s.Defaults, overrides))
	if err != nil {
		slog.Error("invalid room configuration", "room_id", roomID, "error", err)
		return Policy{}, false
	}
	return p, true
}

// Resolve returns the policies of every room the address targets when it
// appears in the given recipient field. An empty result means the address
// is not routed; it is never an error.
func (r *Resolver) Resolve(address string, src Source) []Policy {
	roomIDs := r.candidateRooms(address)
	if len(roomIDs) == 0 {
		slog.Warn("no rooms for address", "address", logging.Address(address), "source", string(src))
		return nil
	}

	var policies []Policy
	for _, roomID := range roomIDs {
		p, ok := r.Policy(roomID)
		if !ok {
			continue
		}
		if !p.AcceptsSource(src) {
			slog.Info("room does not accept recipient source",
				"room_id", roomID,
				"source", string(src),
			)
			continue
		}
		policies = append(policies, p)
	}

	return policies
}

// IsRoutable reports whether the address maps to at least one room id,
// regardless of whether that room is configured.
func (r *Resolver) IsRoutable(address string) bool {
	return len(r.candidateRooms(address)) > 0
}

func (r *Resolver) candidateRooms(address string) []string {
	s := r.settings.Load()
	address = strings.TrimSpace(address)

	if mapped, ok := s.CustomTargets[strings.ToLower(address)]; ok {
		return mapped
	}

	if roomID, ok := DeriveRoomID(address, s.Domain); ok {
		return []string{roomID}
	}
	return nil
}

// DeriveRoomID turns an address on the mail domain into a room id. The
// local part is split on "_": the first segment is the room's local id and
// the remaining segments, re-joined with "_", are its server name, giving
// "!<first>:<rest>". Addresses off the domain or without "_" in the local
// part yield false.
func DeriveRoomID(address, domain string) (string, bool) {
	if domain == "" {
		return "", false
	}
	suffix := "@" + strings.ToLower(domain)
	if !strings.HasSuffix(strings.ToLower(address), suffix) {
		return "", false
	}

	local := address[:len(address)-len(suffix)]
	parts := strings.Split(local, "_")
	if len(parts) < 2 {
		return "", false
	}

	first, rest := parts[0], strings.Join(parts[1:], "_")
	if first == "" || rest == "" {
		return "", false
	}
	return "!" + first + ":" + rest, true
}
