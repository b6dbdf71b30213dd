package store

import (
	"fmt"
	"strconv"
	"time"
)

// Role is the side of a call record a party writes to.
type Role string

const (
	RoleChild  Role = "child"
	RoleParent Role = "parent"
)

func (r Role) Valid() bool { return r == RoleChild || r == RoleParent }

// Opposite returns the other side of the call.
func (r Role) Opposite() Role {
	if r == RoleChild {
		return RoleParent
	}
	return RoleChild
}

// Party identifies who ended a call. Family members occupy the parent side.
type Party string

const (
	PartyChild        Party = "child"
	PartyParent       Party = "parent"
	PartyFamilyMember Party = "family_member"
)

func (p Party) Valid() bool {
	return p == PartyChild || p == PartyParent || p == PartyFamilyMember
}

// Side maps a party onto the call record side it writes.
func (p Party) Side() Role {
	if p == PartyChild {
		return RoleChild
	}
	return RoleParent
}

type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Rank orders statuses; a record's rank never decreases.
func (s Status) Rank() int {
	switch s {
	case StatusRinging:
		return 1
	case StatusActive:
		return 2
	case StatusEnded:
		return 3
	}
	return 0
}

type EndReason string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonDeclined         EndReason = "declined"
	ReasonFailed           EndReason = "failed"
	ReasonTimeout          EndReason = "timeout"
	ReasonMediaError       EndReason = "media-error"
	ReasonPermissionDenied EndReason = "permission-denied"
)

// ICECandidate is a trickled candidate as stored in the record. The JSON
// shape matches the browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate: transport string, media line index and media id.
func (c ICECandidate) Key() string {
	idx := "-"
	if c.SDPMLineIndex != nil {
		idx = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	return fmt.Sprintf("%s|%s|%s", c.Candidate, idx, mid)
}

// CallRecord is one row of the calls table, the only signaling channel
// between the two parties.
type CallRecord struct {
	ID                  string         `json:"id"`
	CallerType          Role           `json:"caller_type"`
	ChildID             string         `json:"child_id,omitempty"`
	ParentID            string         `json:"parent_id,omitempty"`
	Status              Status         `json:"status"`
	OfferSDP            string         `json:"offer_sdp,omitempty"`
	AnswerSDP           string         `json:"answer_sdp,omitempty"`
	ChildICECandidates  []ICECandidate `json:"child_ice_candidates"`
	ParentICECandidates []ICECandidate `json:"parent_ice_candidates"`
	CreatedAt           time.Time      `json:"created_at"`
	EndedAt             *time.Time     `json:"ended_at,omitempty"`
	EndedBy             Party          `json:"ended_by,omitempty"`
	EndReason           EndReason      `json:"end_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Candidates returns the list written by role.
func (r *CallRecord) Candidates(role Role) []ICECandidate {
	if role == RoleChild {
		return r.ChildICECandidates
	}
	return r.ParentICECandidates
}

// PartyID returns the identity on the given side.
func (r *CallRecord) PartyID(role Role) string {
	if role == RoleChild {
		return r.ChildID
	}
	return r.ParentID
}

// Involves reports whether id is one of the two parties.
func (r *CallRecord) Involves(id string) bool {
	return id != "" && (r.ChildID == id || r.ParentID == id)
}

// CalleeRole is the side that did not place the call.
func (r *CallRecord) CalleeRole() Role { return r.CallerType.Opposite() }

// Change is one row-change notification.
type Change struct {
	Op     string     `json:"op"` // "insert" or "update"
	Record CallRecord `json:"record"`
}
