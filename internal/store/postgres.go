package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/domain"
)

// Postgres is the production store. Per-case serialization comes from
// SELECT ... FOR UPDATE on the case row; every mutation commits its audit
// record in the same transaction.
type Postgres struct {
	db           *sqlx.DB
	queryTimeout time.Duration
}

// NewPostgres connects and prepares the schema.
func NewPostgres(cfg config.DatabaseConfig) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	p := &Postgres{db: db, queryTimeout: cfg.QueryTimeout}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Msg("postgres case store ready")
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	id                TEXT PRIMARY KEY,
	phw_id            TEXT NOT NULL,
	phw_name          TEXT NOT NULL DEFAULT '',
	facility          TEXT NOT NULL DEFAULT '',
	specialist_id     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	chief_complaint   TEXT NOT NULL,
	escalation_reason TEXT NOT NULL DEFAULT '',
	patient           JSONB NOT NULL,
	token_hash        TEXT NOT NULL DEFAULT '',
	token_expires_at  TIMESTAMPTZ,
	token_revoked     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	escalated_at      TIMESTAMPTZ,
	deleted_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_cases_phw ON cases (phw_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_cases_token_hash ON cases (token_hash) WHERE token_hash <> '';

CREATE TABLE IF NOT EXISTS case_vitals (
	id          BIGSERIAL PRIMARY KEY,
	case_id     TEXT NOT NULL REFERENCES cases(id),
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_case_vitals_case ON case_vitals (case_id, id);

CREATE TABLE IF NOT EXISTS case_symptoms (
	id      BIGSERIAL PRIMARY KEY,
	case_id TEXT NOT NULL REFERENCES cases(id),
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS case_medications (
	id      BIGSERIAL PRIMARY KEY,
	case_id TEXT NOT NULL REFERENCES cases(id),
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS assessments (
	id          TEXT PRIMARY KEY,
	case_id     TEXT NOT NULL REFERENCES cases(id),
	payload     JSONB NOT NULL,
	assessed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessments_case ON assessments (case_id, assessed_at);

CREATE TABLE IF NOT EXISTS advice (
	id           TEXT PRIMARY KEY,
	case_id      TEXT NOT NULL REFERENCES cases(id),
	payload      JSONB NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_advice_case ON advice (case_id, submitted_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	action     TEXT NOT NULL,
	resource   TEXT NOT NULL,
	ip         TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	old_value  JSONB,
	new_value  JSONB,
	at         TIMESTAMPTZ NOT NULL
);
`

func (p *Postgres) migrate() error {
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}
	return nil
}

// caseRow is the cases table projection.
type caseRow struct {
	ID               string         `db:"id"`
	PHWID            string         `db:"phw_id"`
	PHWName          string         `db:"phw_name"`
	Facility         string         `db:"facility"`
	SpecialistID     string         `db:"specialist_id"`
	Status           string         `db:"status"`
	ChiefComplaint   string         `db:"chief_complaint"`
	EscalationReason string         `db:"escalation_reason"`
	Patient          []byte         `db:"patient"`
	TokenHash        string         `db:"token_hash"`
	TokenExpiresAt   *time.Time     `db:"token_expires_at"`
	TokenRevoked     bool           `db:"token_revoked"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	EscalatedAt      *time.Time     `db:"escalated_at"`
	DeletedAt        *time.Time     `db:"deleted_at"`
}

func (r caseRow) toDomain() (*domain.Case, error) {
	var patient domain.Patient
	if err := json.Unmarshal(r.Patient, &patient); err != nil {
		return nil, fmt.Errorf("failed to decode patient snapshot: %w", err)
	}
	return &domain.Case{
		ID:               r.ID,
		PHWID:            r.PHWID,
		PHWName:          r.PHWName,
		Facility:         r.Facility,
		SpecialistID:     r.SpecialistID,
		Status:           domain.CaseStatus(r.Status),
		ChiefComplaint:   r.ChiefComplaint,
		EscalationReason: r.EscalationReason,
		Patient:          patient,
		TokenHash:        r.TokenHash,
		TokenExpiresAt:   r.TokenExpiresAt,
		TokenRevoked:     r.TokenRevoked,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		EscalatedAt:      r.EscalatedAt,
		DeletedAt:        r.DeletedAt,
	}, nil
}

const caseColumns = `id, phw_id, phw_name, facility, specialist_id, status,
	chief_complaint, escalation_reason, patient, token_hash, token_expires_at,
	token_revoked, created_at, updated_at, escalated_at, deleted_at`

// lockCase loads the case row FOR UPDATE inside tx.
func lockCase(ctx context.Context, tx *sqlx.Tx, caseID string) (*domain.Case, error) {
	var row caseRow
	err := tx.GetContext(ctx, &row,
		`SELECT `+caseColumns+` FROM cases WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("case not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock case: %w", err)
	}
	return row.toDomain()
}

func writeAudit(ctx context.Context, tx *sqlx.Tx, a domain.AuditRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	oldValue, err := marshalNullable(a.OldValue)
	if err != nil {
		return err
	}
	newValue, err := marshalNullable(a.NewValue)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, user_id, action, resource, ip, request_id, old_value, new_value, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UserID, a.Action, a.Resource, a.IP, a.RequestID, oldValue, newValue, a.At)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// RecordAudit writes a standalone audit record outside any case mutation.
func (p *Postgres) RecordAudit(ctx context.Context, a domain.AuditRecord) error {
	return p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return writeAudit(ctx, tx, a)
	})
}

func marshalNullable(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit snapshot: %w", err)
	}
	return raw, nil
}

// withTx runs fn inside one transaction with the query timeout applied.
func (p *Postgres) withTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if p.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.queryTimeout)
		defer cancel()
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) CreateCase(ctx context.Context, c *domain.Case, vitals domain.Vitals, symptoms []domain.Symptom, meds []domain.Medication, audit domain.AuditRecord) error {
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

	patient, err := json.Marshal(c.Patient)
	if err != nil {
		return fmt.Errorf("failed to encode patient snapshot: %w", err)
	}

	return p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cases (id, phw_id, phw_name, facility, specialist_id, status,
				chief_complaint, escalation_reason, patient, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, c.PHWID, c.PHWName, c.Facility, c.SpecialistID, c.Status,
			c.ChiefComplaint, c.EscalationReason, patient, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert case: %w", err)
		}
		if err := insertVitals(ctx, tx, c.ID, vitals, now); err != nil {
			return err
		}
		for _, s := range symptoms {
			if err := insertJSON(ctx, tx, "case_symptoms", c.ID, s); err != nil {
				return err
			}
		}
		for _, m := range meds {
			if err := insertJSON(ctx, tx, "case_medications", c.ID, m); err != nil {
				return err
			}
		}
		return writeAudit(ctx, tx, audit)
	})
}

func insertVitals(ctx context.Context, tx *sqlx.Tx, caseID string, v domain.Vitals, at time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode vitals: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO case_vitals (case_id, payload, recorded_at) VALUES ($1, $2, $3)`,
		caseID, payload, at); err != nil {
		return fmt.Errorf("failed to insert vitals: %w", err)
	}
	return nil
}

func insertJSON(ctx context.Context, tx *sqlx.Tx, table, caseID string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (case_id, payload) VALUES ($1, $2)`, caseID, payload); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (p *Postgres) AppendVitals(ctx context.Context, caseID string, vitals domain.Vitals, audit domain.AuditRecord) error {
	return p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := lockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := insertVitals(ctx, tx, c.ID, vitals, now); err != nil {
			return err
		}
		if err := touchCase(ctx, tx, c.ID, now); err != nil {
			return err
		}
		return writeAudit(ctx, tx, audit)
	})
}

func touchCase(ctx context.Context, tx *sqlx.Tx, caseID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE cases SET updated_at = $2 WHERE id = $1`, caseID, at); err != nil {
		return fmt.Errorf("failed to touch case: %w", err)
	}
	return nil
}

func (p *Postgres) WriteAssessment(ctx context.Context, a *domain.Assessment, audit domain.AuditRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}

	return p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := lockCase(ctx, tx, a.CaseID)
		if err != nil {
			return err
		}
		if c.Status == domain.StatusClosed || c.Status == domain.StatusCancelled {
			return apperr.Newf(apperr.KindState, "case in status %s cannot accept assessments", c.Status)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assessments (id, case_id, payload, assessed_at) VALUES ($1, $2, $3, $4)`,
			a.ID, a.CaseID, payload, a.AssessedAt); err != nil {
			return fmt.Errorf("failed to insert assessment: %w", err)
		}
		if c.Status == domain.StatusIntake {
			if _, err := tx.ExecContext(ctx,
				`UPDATE cases SET status = $2, updated_at = $3 WHERE id = $1`,
				c.ID, domain.StatusAnalyzed, time.Now().UTC()); err != nil {
				return fmt.Errorf("failed to advance case to analyzed: %w", err)
			}
		} else if err := touchCase(ctx, tx, c.ID, time.Now().UTC()); err != nil {
			return err
		}
		return writeAudit(ctx, tx, audit)
	})
}

func (p *Postgres) MintEscalation(ctx context.Context, caseID string, grant EscalationGrant, audit domain.AuditRecord) (*domain.Case, error) {
	var out *domain.Case
	err := p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := lockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		status := c.Status
		switch {
		case domain.CanTransition(c.Status, domain.StatusEscalated):
			status = domain.StatusEscalated
		case domain.TokenPermitted(c.Status):
			// Re-mint keeps the status; the new grant replaces the token.
		default:
			return apperr.Newf(apperr.KindState, "case in status %s cannot be escalated", c.Status)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE cases SET status = $2, escalation_reason = $3, specialist_id = $4,
				token_hash = $5, token_expires_at = $6, token_revoked = FALSE,
				escalated_at = $7, updated_at = $7
			 WHERE id = $1`,
			c.ID, status, grant.Reason, grant.SpecialistID,
			grant.TokenHash, grant.ExpiresAt, now); err != nil {
			return fmt.Errorf("failed to escalate case: %w", err)
		}
		if grant.SBAR != nil {
			sbar, err := json.Marshal(grant.SBAR)
			if err != nil {
				return fmt.Errorf("failed to encode sbar: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE assessments SET payload = jsonb_set(payload, '{sbar}', $2::jsonb)
				 WHERE id = (SELECT id FROM assessments WHERE case_id = $1
				             ORDER BY assessed_at DESC, id DESC LIMIT 1)`,
				c.ID, sbar); err != nil {
				return fmt.Errorf("failed to attach sbar to assessment: %w", err)
			}
		}

		c.Status = status
		c.EscalationReason = grant.Reason
		c.SpecialistID = grant.SpecialistID
		c.TokenHash = grant.TokenHash
		c.TokenExpiresAt = &grant.ExpiresAt
		c.TokenRevoked = false
		c.EscalatedAt = &now
		c.UpdatedAt = now
		out = c
		return writeAudit(ctx, tx, audit)
	})
	return out, err
}

func (p *Postgres) ConsumeEscalation(ctx context.Context, caseID string, audit domain.AuditRecord) (*domain.Case, error) {
	var out *domain.Case
	err := p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := lockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if c.Status == domain.StatusEscalated {
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE cases SET status = $2, updated_at = $3 WHERE id = $1`,
				c.ID, domain.StatusSpecialistReviewing, now); err != nil {
				return fmt.Errorf("failed to mark case reviewing: %w", err)
			}
			c.Status = domain.StatusSpecialistReviewing
			c.UpdatedAt = now
			if err := writeAudit(ctx, tx, audit); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	return out, err
}

func (p *Postgres) AppendAdvice(ctx context.Context, adv *domain.Advice, revokeToken bool, audit domain.AuditRecord) (*domain.Case, error) {
	if adv.ID == "" {
		adv.ID = uuid.NewString()
	}
	if adv.SubmittedAt.IsZero() {
		adv.SubmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(adv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode advice: %w", err)
	}

	var out *domain.Case
	err = p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := lockCase(ctx, tx, adv.CaseID)
		if err != nil {
			return err
		}
		if !domain.AdviceAllowed(c.Status) {
			return apperr.Newf(apperr.KindState, "advice not allowed in status %s", c.Status)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO advice (id, case_id, payload, submitted_at) VALUES ($1, $2, $3, $4)`,
			adv.ID, adv.CaseID, payload, adv.SubmittedAt); err != nil {
			return fmt.Errorf("failed to insert advice: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE cases SET status = $2, token_revoked = token_revoked OR $3, updated_at = $4 WHERE id = $1`,
			c.ID, domain.StatusAdvised, revokeToken, now); err != nil {
			return fmt.Errorf("failed to advance case to advised: %w", err)
		}
		c.Status = domain.StatusAdvised
		c.TokenRevoked = c.TokenRevoked || revokeToken
		c.UpdatedAt = now
		out = c
		return writeAudit(ctx, tx, audit)
	})
	return out, err
}

func (p *Postgres) UpdateStatus(ctx context.Context, caseID string, to domain.CaseStatus, audit domain.AuditRecord) (*domain.Case, error) {
	var out *domain.Case
	err := p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := lockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(c.Status, to) {
			return apperr.Newf(apperr.KindState, "case in status %s cannot move to %s", c.Status, to)
		}
		now := time.Now().UTC()
		revoke := to == domain.StatusClosed || to == domain.StatusCancelled
		if _, err := tx.ExecContext(ctx,
			`UPDATE cases SET status = $2, token_revoked = token_revoked OR $3, updated_at = $4 WHERE id = $1`,
			c.ID, to, revoke, now); err != nil {
			return fmt.Errorf("failed to update case status: %w", err)
		}
		c.Status = to
		c.TokenRevoked = c.TokenRevoked || revoke
		c.UpdatedAt = now
		out = c
		return writeAudit(ctx, tx, audit)
	})
	return out, err
}

func (p *Postgres) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	var row caseRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+caseColumns+` FROM cases WHERE id = $1 AND deleted_at IS NULL`, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("case not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load case: %w", err)
	}
	return row.toDomain()
}

func (p *Postgres) FindCaseByTokenHash(ctx context.Context, hash string) (*domain.Case, error) {
	if hash == "" {
		return nil, apperr.TokenInvalid("escalation token invalid or expired")
	}
	var row caseRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+caseColumns+` FROM cases WHERE token_hash = $1 AND deleted_at IS NULL`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.TokenInvalid("escalation token invalid or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	return row.toDomain()
}

func (p *Postgres) GetBundle(ctx context.Context, caseID string) (*domain.CaseBundle, error) {
	c, err := p.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	bundle := &domain.CaseBundle{Case: *c}

	if err := p.collectJSON(ctx, &bundle.Vitals,
		`SELECT payload FROM case_vitals WHERE case_id = $1 ORDER BY id`, caseID); err != nil {
		return nil, err
	}
	if err := p.collectJSON(ctx, &bundle.Symptoms,
		`SELECT payload FROM case_symptoms WHERE case_id = $1 ORDER BY id`, caseID); err != nil {
		return nil, err
	}
	if err := p.collectJSON(ctx, &bundle.Medications,
		`SELECT payload FROM case_medications WHERE case_id = $1 ORDER BY id`, caseID); err != nil {
		return nil, err
	}
	if err := p.collectJSON(ctx, &bundle.Advice,
		`SELECT payload FROM advice WHERE case_id = $1 ORDER BY submitted_at, id`, caseID); err != nil {
		return nil, err
	}

	var assessments []domain.Assessment
	if err := p.collectJSON(ctx, &assessments,
		`SELECT payload FROM assessments WHERE case_id = $1 ORDER BY assessed_at, id`, caseID); err != nil {
		return nil, err
	}
	if n := len(assessments); n > 0 {
		bundle.Assessment = &assessments[n-1]
	}
	return bundle, nil
}

// collectJSON scans a single JSONB payload column into a slice of T.
func (p *Postgres) collectJSON(ctx context.Context, dst interface{}, query string, args ...interface{}) error {
	var payloads [][]byte
	if err := p.db.SelectContext(ctx, &payloads, query, args...); err != nil {
		return fmt.Errorf("failed to query payloads: %w", err)
	}
	raw := make([]json.RawMessage, len(payloads))
	for i, b := range payloads {
		raw[i] = json.RawMessage(b)
	}
	joined, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to join payloads: %w", err)
	}
	if err := json.Unmarshal(joined, dst); err != nil {
		return fmt.Errorf("failed to decode payloads: %w", err)
	}
	return nil
}

func (p *Postgres) ListCases(ctx context.Context, filter ListFilter) ([]domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE deleted_at IS NULL`
	args := []interface{}{}
	if filter.PHWID != "" {
		args = append(args, filter.PHWID)
		query += fmt.Sprintf(" AND phw_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []caseRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	out := make([]domain.Case, 0, len(rows))
	for _, r := range rows {
		c, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (p *Postgres) SoftDelete(ctx context.Context, caseID string, audit domain.AuditRecord) error {
	return p.withTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := lockCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cases SET deleted_at = $2 WHERE id = $1`, c.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to soft-delete case: %w", err)
		}
		return writeAudit(ctx, tx, audit)
	})
}
