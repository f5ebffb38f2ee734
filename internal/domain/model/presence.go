// Package model contains domain models passed between layers.
package model

import "time"

// PresenceRecord is the latest known location snapshot for one user.
// One row per UserID; writers upsert by key, last write wins.
type PresenceRecord struct {
	UserID         string            `json:"user_id"`
	DisplayName    string            `json:"display_name"`
	Role           string            `json:"role"`
	Terminal       string            `json:"terminal"`
	Lat            float64           `json:"lat"`
	Lon            float64           `json:"lon"`
	AccuracyMeters float64           `json:"accuracy_meters"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	SourceIP       *string           `json:"source_ip"`
	DeviceInfo     map[string]string `json:"device_info"`
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (r PresenceRecord) Clone() PresenceRecord {
	out := r
	if r.SourceIP != nil {
		ip := *r.SourceIP
		out.SourceIP = &ip
	}
	if r.DeviceInfo != nil {
		out.DeviceInfo = make(map[string]string, len(r.DeviceInfo))
		for k, v := range r.DeviceInfo {
			out.DeviceInfo[k] = v
		}
	}
	return out
}

// ChangeType is the kind of row change carried by a ChangeEvent.
type ChangeType string

// Change types, matching the lower-cased SQL operation names.
const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one notification from the presence change feed.
// Insert and update carry New; delete carries Old.
type ChangeEvent struct {
	Type ChangeType      `json:"type"`
	New  *PresenceRecord `json:"new,omitempty"`
	Old  *PresenceRecord `json:"old,omitempty"`
}

// Key returns the user id the event refers to, or "" if it has none.
func (e ChangeEvent) Key() string {
	switch e.Type {
	case ChangeInsert, ChangeUpdate:
		if e.New != nil {
			return e.New.UserID
		}
	case ChangeDelete:
		if e.Old != nil {
			return e.Old.UserID
		}
	}
	return ""
}
