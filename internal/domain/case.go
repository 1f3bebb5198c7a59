package domain

import "time"

// CaseStatus is the case lifecycle state.
type CaseStatus string

const (
	StatusIntake              CaseStatus = "intake"
	StatusAnalyzed            CaseStatus = "analyzed"
	StatusEscalated           CaseStatus = "escalated"
	StatusSpecialistReviewing CaseStatus = "specialist_reviewing"
	StatusAdvised             CaseStatus = "advised"
	StatusClosed              CaseStatus = "closed"
	StatusCancelled           CaseStatus = "cancelled"
)

// statusOrder supports the monotonic forward progression. Cancelled sits
// outside the ordering and is handled separately.
var statusOrder = map[CaseStatus]int{
	StatusIntake:              0,
	StatusAnalyzed:            1,
	StatusEscalated:           2,
	StatusSpecialistReviewing: 3,
	StatusAdvised:             4,
	StatusClosed:              5,
}

// CanTransition reports whether a case may move from one status to another.
// Forward transitions are monotonic single steps with two sanctioned jumps:
// any pre-closed state may close, and advised is reachable from every status
// that accepts advice. Cancelled is terminal and reachable from any non-closed
// state.
func CanTransition(from, to CaseStatus) bool {
	if from == StatusCancelled || from == StatusClosed {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	fromOrd, ok := statusOrder[from]
	if !ok {
		return false
	}
	toOrd, ok := statusOrder[to]
	if !ok {
		return false
	}
	if to == StatusClosed {
		return true
	}
	if to == StatusAdvised {
		// Advice may land before the specialist opens the portal, and
		// repeated submissions keep the case advised.
		return AdviceAllowed(from)
	}
	return toOrd == fromOrd+1
}

// AdviceAllowed reports whether advice rows may be appended in this status.
func AdviceAllowed(s CaseStatus) bool {
	switch s {
	case StatusEscalated, StatusSpecialistReviewing, StatusAdvised:
		return true
	}
	return false
}

// TokenPermitted reports whether a live escalation token is consistent with
// the case status.
func TokenPermitted(s CaseStatus) bool {
	return s == StatusEscalated || s == StatusSpecialistReviewing
}

// Case is the unit of work from intake through close.
type Case struct {
	ID               string     `json:"case_id"`
	PHWID            string     `json:"phw_id"`
	PHWName          string     `json:"phw_name,omitempty"`
	Facility         string     `json:"facility,omitempty"`
	SpecialistID     string     `json:"specialist_id,omitempty"`
	Status           CaseStatus `json:"status"`
	ChiefComplaint   string     `json:"chief_complaint"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	Patient          Patient    `json:"patient"`

	// Escalation token state. Only the SHA-256 hash is ever stored.
	TokenHash      string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	TokenRevoked   bool       `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	DeletedAt   *time.Time `json:"-"`
}

// CaseBundle is the full case view handed to the specialist portal and the
// PHW detail endpoint.
type CaseBundle struct {
	Case        Case         `json:"case"`
	Vitals      []Vitals     `json:"vitals"`
	Symptoms    []Symptom    `json:"symptoms"`
	Medications []Medication `json:"medications"`
	Assessment  *Assessment  `json:"risk_assessment,omitempty"`
	Advice      []Advice     `json:"advice"`
}

// LatestVitals returns the most recently appended vitals snapshot, or nil.
func (b *CaseBundle) LatestVitals() *Vitals {
	if len(b.Vitals) == 0 {
		return nil
	}
	return &b.Vitals[len(b.Vitals)-1]
}
