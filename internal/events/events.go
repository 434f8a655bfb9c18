// Package events defines the normalized bus event and the fleet snapshot
// shape shared by every stage of the ingest/correlate/mitigate pipeline.
package events

// Service is the availability state of a single antenna.
type Service string

const (
	ServiceAvailable   Service = "Available"
	ServiceUnavailable Service = "Unavailable"
)

// Antenna holds one antenna's service state.
type Antenna struct {
	Service Service `json:"service"`
}

// Site is one cell site's full state as reported by the tower simulator.
type Site struct {
	Mains          string          `json:"mains"` // "on" | "off"
	SiteAlive      bool            `json:"siteAlive"`
	BatteryPercent int             `json:"batteryPercent"`
	Antenna1       Antenna         `json:"antenna1"`
	Antenna2       Antenna         `json:"antenna2"`
	Alarms         map[string]bool `json:"alarms"` // set of AlarmCode
}

// Snapshot is the full fleet state: siteId -> Site.
type Snapshot map[string]Site

// Clone returns a deep copy of the snapshot so callers can mutate their copy
// without racing the owner.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, site := range s {
		alarms := make(map[string]bool, len(site.Alarms))
		for a := range site.Alarms {
			alarms[a] = true
		}
		site.Alarms = alarms
		out[id] = site
	}
	return out
}

// Type enumerates the normalized bus event variants.
type Type string

const (
	TypeAlarmRaised     Type = "alarm.raised"
	TypeAlarmCleared    Type = "alarm.cleared"
	TypeServiceChanged  Type = "service.changed"
	TypeStateUpdate     Type = "state.update"
	TypeBusDisconnected Type = "bus.disconnected"
	TypeBusReconnected  Type = "bus.reconnected"
)

// Event is the tagged record that flows through the Incident Bus.
//
// Not every field applies to every Type; see spec §3 for the variant shapes.
// Timestamp is kept as the original string (not reparsed) because the
// Supervisor's duplicate ledger keys on it string-for-string — normalizing it
// would silently change dedup semantics.
type Event struct {
	Type      Type     `json:"type"`
	SiteID    string   `json:"siteId"`
	Alarm     string   `json:"alarm,omitempty"`
	Timestamp string   `json:"ts"`
	Source    string   `json:"source,omitempty"`
	Bootstrap bool     `json:"bootstrap,omitempty"`
	Antenna   string   `json:"antenna,omitempty"` // "antenna1" | "antenna2"
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Payload   Snapshot `json:"payload,omitempty"`
}

// ID is the (type, siteId, alarm, ts) tuple that defines exact-duplicate
// identity for the Supervisor's ledger (spec §3).
type ID struct {
	Type   Type
	SiteID string
	Alarm  string
	TS     string
}

// IdentityOf computes the duplicate-ledger key for an event.
func IdentityOf(e Event) ID {
	return ID{Type: e.Type, SiteID: e.SiteID, Alarm: e.Alarm, TS: e.Timestamp}
}
