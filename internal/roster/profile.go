// Package roster owns the durable identity registry and the ephemeral
// presence set that together describe who is known to the server and who is
// currently connected.
package roster

import (
	"fmt"
	"time"
)

// Position is a client-reported 3D coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// String renders the position the way it appears on the wire and in
// snapshots: two fraction digits per component.
func (p Position) String() string {
	return fmt.Sprintf("%.2f, %.2f, %.2f", p.X, p.Y, p.Z)
}

// Profile is the durable record for one identity. Exactly one Profile exists
// per identity key; FirstSeenAt is set once at creation and never changes.
// A nil LastPosition means the identity has never reported a position.
type Profile struct {
	IdentityKey  string    `json:"identityKey"`
	DisplayName  string    `json:"displayName"`
	Region       string    `json:"region"`
	Timezone     string    `json:"timezone"`
	FirstSeenAt  time.Time `json:"firstSeenAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	LastPosition *Position `json:"lastPosition,omitempty"`
}

// clone returns a copy safe to hand to callers outside the registry lock.
func (p *Profile) clone() Profile {
	out := *p
	if p.LastPosition != nil {
		pos := *p.LastPosition
		out.LastPosition = &pos
	}
	return out
}
