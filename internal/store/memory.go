package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/domain"
)

// Memory is the in-process store used for development and tests. A per-case
// mutex serializes writers the way the Postgres row lock does.
type Memory struct {
	mu    sync.RWMutex
	cases map[string]*caseRecord
	audit []domain.AuditRecord
}

type caseRecord struct {
	mu          sync.Mutex
	c           domain.Case
	vitals      []domain.Vitals
	symptoms    []domain.Symptom
	medications []domain.Medication
	assessments []domain.Assessment
	advice      []domain.Advice
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{cases: make(map[string]*caseRecord)}
}

func (m *Memory) Close() error { return nil }

// AuditTrail returns a copy of every audit record written, oldest first.
func (m *Memory) AuditTrail() []domain.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditRecord, len(m.audit))
	copy(out, m.audit)
	return out
}

// RecordAudit writes a standalone audit record outside any case mutation.
func (m *Memory) RecordAudit(ctx context.Context, a domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.appendAudit(a)
	return nil
}

func (m *Memory) appendAudit(a domain.AuditRecord) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.audit = append(m.audit, a)
	m.mu.Unlock()
}

// lock fetches the record and acquires its case mutex. Soft-deleted cases are
// invisible.
func (m *Memory) lock(caseID string) (*caseRecord, error) {
	m.mu.RLock()
	rec, ok := m.cases[caseID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("case not found")
	}
	rec.mu.Lock()
	if rec.c.DeletedAt != nil {
		rec.mu.Unlock()
		return nil, apperr.NotFound("case not found")
	}
	return rec, nil
}

func (m *Memory) CreateCase(ctx context.Context, c *domain.Case, vitals domain.Vitals, symptoms []domain.Symptom, meds []domain.Medication, audit domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.Status = domain.StatusIntake
	c.CreatedAt = now
	c.UpdatedAt = now

	// The id and initial status are assigned here, after the caller built the
	// audit record; stamp them so the record references the created case.
	audit.Resource = "case:" + c.ID
	audit.NewValue = c.Status

	rec := &caseRecord{
		c:           *c,
		vitals:      []domain.Vitals{vitals},
		symptoms:    append([]domain.Symptom(nil), symptoms...),
		medications: append([]domain.Medication(nil), meds...),
	}

	m.mu.Lock()
	if _, exists := m.cases[c.ID]; exists {
		m.mu.Unlock()
		return apperr.New(apperr.KindState, "case already exists")
	}
	m.cases[c.ID] = rec
	m.mu.Unlock()

	m.appendAudit(audit)
	return nil
}

func (m *Memory) AppendVitals(ctx context.Context, caseID string, vitals domain.Vitals, audit domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := m.lock(caseID)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	rec.vitals = append(rec.vitals, vitals)
	rec.c.UpdatedAt = time.Now().UTC()
	m.appendAudit(audit)
	return nil
}

func (m *Memory) WriteAssessment(ctx context.Context, a *domain.Assessment, audit domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := m.lock(a.CaseID)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	switch rec.c.Status {
	case domain.StatusClosed, domain.StatusCancelled:
		return apperr.Newf(apperr.KindState, "case in status %s cannot accept assessments", rec.c.Status)
	case domain.StatusIntake:
		rec.c.Status = domain.StatusAnalyzed
	}
	rec.assessments = append(rec.assessments, *a)
	rec.c.UpdatedAt = time.Now().UTC()
	m.appendAudit(audit)
	return nil
}

func (m *Memory) MintEscalation(ctx context.Context, caseID string, grant EscalationGrant, audit domain.AuditRecord) (*domain.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := m.lock(caseID)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	switch {
	case domain.CanTransition(rec.c.Status, domain.StatusEscalated):
		rec.c.Status = domain.StatusEscalated
	case domain.TokenPermitted(rec.c.Status):
		// Re-mint: the fresh grant replaces the old token, status unchanged.
	default:
		return nil, apperr.Newf(apperr.KindState, "case in status %s cannot be escalated", rec.c.Status)
	}

	now := time.Now().UTC()
	rec.c.EscalationReason = grant.Reason
	rec.c.SpecialistID = grant.SpecialistID
	rec.c.TokenHash = grant.TokenHash
	rec.c.TokenExpiresAt = &grant.ExpiresAt
	rec.c.TokenRevoked = false
	rec.c.EscalatedAt = &now
	rec.c.UpdatedAt = now
	if grant.SBAR != nil && len(rec.assessments) > 0 {
		rec.assessments[len(rec.assessments)-1].SBAR = grant.SBAR
	}

	m.appendAudit(audit)
	out := rec.c
	return &out, nil
}

func (m *Memory) ConsumeEscalation(ctx context.Context, caseID string, audit domain.AuditRecord) (*domain.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := m.lock(caseID)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	if rec.c.Status == domain.StatusEscalated {
		rec.c.Status = domain.StatusSpecialistReviewing
		rec.c.UpdatedAt = time.Now().UTC()
		m.appendAudit(audit)
	}
	out := rec.c
	return &out, nil
}

func (m *Memory) AppendAdvice(ctx context.Context, adv *domain.Advice, revokeToken bool, audit domain.AuditRecord) (*domain.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := m.lock(adv.CaseID)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	if !domain.AdviceAllowed(rec.c.Status) {
		return nil, apperr.Newf(apperr.KindState, "advice not allowed in status %s", rec.c.Status)
	}
	if adv.ID == "" {
		adv.ID = uuid.NewString()
	}
	if adv.SubmittedAt.IsZero() {
		adv.SubmittedAt = time.Now().UTC()
	}
	rec.advice = append(rec.advice, *adv)
	rec.c.Status = domain.StatusAdvised
	if revokeToken {
		rec.c.TokenRevoked = true
	}
	rec.c.UpdatedAt = time.Now().UTC()

	m.appendAudit(audit)
	out := rec.c
	return &out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, caseID string, to domain.CaseStatus, audit domain.AuditRecord) (*domain.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := m.lock(caseID)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	if !domain.CanTransition(rec.c.Status, to) {
		return nil, apperr.Newf(apperr.KindState, "case in status %s cannot move to %s", rec.c.Status, to)
	}
	rec.c.Status = to
	if to == domain.StatusClosed || to == domain.StatusCancelled {
		rec.c.TokenRevoked = true
	}
	rec.c.UpdatedAt = time.Now().UTC()

	m.appendAudit(audit)
	out := rec.c
	return &out, nil
}

func (m *Memory) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := m.lock(caseID)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()
	out := rec.c
	return &out, nil
}

func (m *Memory) FindCaseByTokenHash(ctx context.Context, hash string) (*domain.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, apperr.TokenInvalid("escalation token invalid or expired")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.cases {
		rec.mu.Lock()
		match := rec.c.DeletedAt == nil && rec.c.TokenHash == hash
		out := rec.c
		rec.mu.Unlock()
		if match {
			return &out, nil
		}
	}
	return nil, apperr.TokenInvalid("escalation token invalid or expired")
}

func (m *Memory) GetBundle(ctx context.Context, caseID string) (*domain.CaseBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := m.lock(caseID)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	bundle := &domain.CaseBundle{
		Case:        rec.c,
		Vitals:      append([]domain.Vitals(nil), rec.vitals...),
		Symptoms:    append([]domain.Symptom(nil), rec.symptoms...),
		Medications: append([]domain.Medication(nil), rec.medications...),
		Advice:      append([]domain.Advice(nil), rec.advice...),
	}
	if n := len(rec.assessments); n > 0 {
		latest := rec.assessments[n-1]
		bundle.Assessment = &latest
	}
	return bundle, nil
}

func (m *Memory) ListCases(ctx context.Context, filter ListFilter) ([]domain.Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]domain.Case, 0, len(m.cases))
	for _, rec := range m.cases {
		rec.mu.Lock()
		c := rec.c
		rec.mu.Unlock()
		if c.DeletedAt != nil {
			continue
		}
		if filter.PHWID != "" && c.PHWID != filter.PHWID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) SoftDelete(ctx context.Context, caseID string, audit domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := m.lock(caseID)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	now := time.Now().UTC()
	rec.c.DeletedAt = &now
	m.appendAudit(audit)
	return nil
}
