// Package roster builds the read-only projection of registry and presence
// state that gets published to observers.
package roster

import "time"

// unknownValue is rendered wherever a snapshot field has no data yet.
const unknownValue = "N/A"

// snapshotTimeFormat is the human-readable form used for first-seen times.
const snapshotTimeFormat = "2006-01-02 15:04:05 MST"

// SnapshotEntry is one identity's row in a published snapshot.
type SnapshotEntry struct {
	DisplayName  string `json:"displayName"`
	IdentityKey  string `json:"identityKey"`
	FirstSeenAt  string `json:"firstSeenAt"`
	Connected    bool   `json:"connected"`
	LastPosition string `json:"lastPosition"`
}

// BuildSnapshot computes a fresh projection over every known identity:
// durable profile fields from the registry, the connected flag from the
// presence set. It is computed on every publish and never cached.
func BuildSnapshot(registry *Registry, presence *PresenceSet) []SnapshotEntry {
	profiles := registry.SnapshotAll()

	entries := make([]SnapshotEntry, 0, len(profiles))
	for _, p := range profiles {
		entries = append(entries, SnapshotEntry{
			DisplayName:  p.DisplayName,
			IdentityKey:  p.IdentityKey,
			FirstSeenAt:  formatSeenAt(p.FirstSeenAt),
			Connected:    presence.IsConnected(p.IdentityKey),
			LastPosition: formatPosition(p.LastPosition),
		})
	}
	return entries
}

func formatSeenAt(t time.Time) string {
	if t.IsZero() {
		return unknownValue
	}
	return t.Format(snapshotTimeFormat)
}

func formatPosition(p *Position) string {
	if p == nil {
		return unknownValue
	}
	return p.String()
}
