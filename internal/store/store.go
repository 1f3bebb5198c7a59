// Package store persists cases, assessments and advice. Two implementations
// exist: Postgres for deployments and an in-memory store for development and
// tests. Every state change validates the case lifecycle and commits its
// audit record in the same transaction.
package store

import (
	"context"
	"time"

	"github.com/carebridge/triage/internal/domain"
)

// ListFilter narrows ListCases results. Zero values mean no constraint.
type ListFilter struct {
	PHWID  string
	Status domain.CaseStatus
	Limit  int
}

// EscalationGrant carries the token state written when a case escalates.
// Only the hash is ever persisted. SBAR, when set, is stored on the latest
// assessment in the same transaction.
type EscalationGrant struct {
	Reason       string
	SpecialistID string
	TokenHash    string
	ExpiresAt    time.Time
	SBAR         *domain.SBAR
}

// Store is the transactional case repository.
type Store interface {
	// CreateCase opens a case in intake with its first vitals snapshot,
	// symptoms and drug list.
	CreateCase(ctx context.Context, c *domain.Case, vitals domain.Vitals, symptoms []domain.Symptom, meds []domain.Medication, audit domain.AuditRecord) error

	// AppendVitals records an additional immutable vitals snapshot.
	AppendVitals(ctx context.Context, caseID string, vitals domain.Vitals, audit domain.AuditRecord) error

	// WriteAssessment stores the assessment and advances the case to
	// analyzed (first assessment only; later assessments keep the status).
	WriteAssessment(ctx context.Context, a *domain.Assessment, audit domain.AuditRecord) error

	// MintEscalation moves the case to escalated and installs the token
	// grant, replacing any prior grant. Re-minting on an already escalated
	// case keeps its status.
	MintEscalation(ctx context.Context, caseID string, grant EscalationGrant, audit domain.AuditRecord) (*domain.Case, error)

	// ConsumeEscalation marks first token use: escalated cases move to
	// specialist_reviewing; later uses are no-ops.
	ConsumeEscalation(ctx context.Context, caseID string, audit domain.AuditRecord) (*domain.Case, error)

	// AppendAdvice stores one advice row, moves the case to advised and
	// optionally revokes the escalation token.
	AppendAdvice(ctx context.Context, adv *domain.Advice, revokeToken bool, audit domain.AuditRecord) (*domain.Case, error)

	// UpdateStatus applies a lifecycle transition. Closing revokes any
	// outstanding token.
	UpdateStatus(ctx context.Context, caseID string, to domain.CaseStatus, audit domain.AuditRecord) (*domain.Case, error)

	// GetCase returns the case row. Soft-deleted cases are invisible.
	GetCase(ctx context.Context, caseID string) (*domain.Case, error)

	// FindCaseByTokenHash resolves an escalation token hash to its case.
	FindCaseByTokenHash(ctx context.Context, hash string) (*domain.Case, error)

	// GetBundle returns the full case view: vitals history, symptoms,
	// medications, latest assessment and advice trail.
	GetBundle(ctx context.Context, caseID string) (*domain.CaseBundle, error)

	// ListCases returns cases matching the filter, newest first.
	ListCases(ctx context.Context, filter ListFilter) ([]domain.Case, error)

	// SoftDelete hides a case from all reads.
	SoftDelete(ctx context.Context, caseID string, audit domain.AuditRecord) error

	// RecordAudit writes a standalone audit record outside any case
	// mutation (failed requests, operator actions).
	RecordAudit(ctx context.Context, rec domain.AuditRecord) error

	Close() error
}
