package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/domain"
	"github.com/carebridge/triage/internal/metrics"
	"github.com/carebridge/triage/internal/store"
	"github.com/carebridge/triage/internal/token"
)

func (s *Server) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed request body", err)
	}
	return s.validate.Struct(dst)
}

func (s *Server) audit(r *http.Request, userID, action, resource string, oldValue, newValue interface{}) domain.AuditRecord {
	return domain.AuditRecord{
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		IP:        r.RemoteAddr,
		RequestID: requestIDFrom(r.Context()),
		OldValue:  oldValue,
		NewValue:  newValue,
		At:        time.Now().UTC(),
	}
}

// handleAnalyze runs the full intake → assessment pipeline: open the case,
// fan out the analyzers, persist the assessment and return it.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	var in domain.Intake
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	c := &domain.Case{
		PHWID:          claims.Subject,
		PHWName:        claims.Name,
		Facility:       claims.Facility,
		ChiefComplaint: in.ChiefComplaint,
		Patient:        in.Patient,
	}
	if err := s.store.CreateCase(r.Context(), c, in.Vitals, in.Symptoms, in.Medications,
		s.audit(r, claims.Subject, "case.create", "case:"+c.ID, nil, c.Status)); err != nil {
		s.writeError(w, r, err)
		return
	}

	assessment, err := s.aggregator.Analyze(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assessment.CaseID = c.ID

	if err := s.store.WriteAssessment(r.Context(), assessment,
		s.audit(r, claims.Subject, "assessment.write", "case:"+c.ID,
			domain.StatusIntake, domain.StatusAnalyzed)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.bus.PublishStatus(c.ID, domain.StatusAnalyzed)

	s.writeJSON(w, http.StatusOK, assessment)
}

type escalateRequest struct {
	CaseID           string `json:"case_id" validate:"required"`
	EscalationReason string `json:"escalation_reason" validate:"required,min=3,max=2000"`
	SpecialistID     string `json:"specialist_id,omitempty"`
}

type escalateResponse struct {
	CaseID              string      `json:"case_id"`
	SpecialistMagicLink string      `json:"specialist_magic_link"`
	SBAR                domain.SBAR `json:"sbar"`
	EscalatedAt         time.Time   `json:"escalated_at"`
}

// handleEscalate mints the specialist link, generates the handover and moves
// the case to escalated.
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	var req escalateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	bundle, err := s.store.GetBundle(r.Context(), req.CaseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireOwnership(claims, &bundle.Case); err != nil {
		s.writeError(w, r, err)
		return
	}
	if bundle.Assessment == nil {
		s.writeError(w, r, apperr.New(apperr.KindState, "case has no assessment to hand over"))
		return
	}

	minted, err := s.tokens.Mint()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The handover generator is total: external-service failures land on the
	// fallback template and never block escalation.
	sbar := s.handover.Generate(r.Context(), intakeFromBundle(bundle), bundle.Assessment, req.EscalationReason)

	priorHash := bundle.Case.TokenHash
	c, err := s.store.MintEscalation(r.Context(), req.CaseID, store.EscalationGrant{
		Reason:       req.EscalationReason,
		SpecialistID: req.SpecialistID,
		TokenHash:    minted.Hash,
		ExpiresAt:    minted.ExpiresAt,
		SBAR:         &sbar,
	}, s.audit(r, claims.Subject, "case.escalate", "case:"+req.CaseID,
		bundle.Case.Status, domain.StatusEscalated))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.tokenCache.Invalidate(r.Context(), priorHash)
	s.tokenCache.Put(r.Context(), minted.Hash, c.ID, minted.ExpiresAt)
	s.bus.PublishStatus(c.ID, c.Status)
	metrics.Escalations.Inc()

	s.writeJSON(w, http.StatusOK, escalateResponse{
		CaseID:              c.ID,
		SpecialistMagicLink: fmt.Sprintf("%s/api/v1/specialist/portal/%s", s.cfg.Server.PublicURL, minted.Token),
		SBAR:                sbar,
		EscalatedAt:         *c.EscalatedAt,
	})
}

// intakeFromBundle reconstructs the intake snapshot the handover generator
// renders from.
func intakeFromBundle(b *domain.CaseBundle) domain.Intake {
	in := domain.Intake{
		Patient:        b.Case.Patient,
		Symptoms:       b.Symptoms,
		Medications:    b.Medications,
		ChiefComplaint: b.Case.ChiefComplaint,
	}
	if v := b.LatestVitals(); v != nil {
		in.Vitals = *v
	}
	return in
}

// resolveToken maps a presented escalation token to its verified case.
func (s *Server) resolveToken(r *http.Request, presented string) (*domain.Case, error) {
	hash := token.Hash(presented)

	var c *domain.Case
	if caseID, ok := s.tokenCache.Lookup(r.Context(), hash); ok {
		got, err := s.store.GetCase(r.Context(), caseID)
		if err == nil && got.TokenHash == hash {
			c = got
		}
	}
	if c == nil {
		got, err := s.store.FindCaseByTokenHash(r.Context(), hash)
		if err != nil {
			return nil, err
		}
		c = got
	}

	if err := s.tokens.Verify(presented, c); err != nil {
		return nil, err
	}
	if !domain.AdviceAllowed(c.Status) {
		return nil, apperr.TokenInvalid("escalation token invalid or expired")
	}
	return c, nil
}

// handlePortal serves the specialist's case view; the token in the path is
// the only credential. Invalid tokens read as 404 so the URL space stays
// unenumerable.
func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	presented := mux.Vars(r)["token"]

	c, err := s.resolveToken(r, presented)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTokenInvalid {
			err = apperr.NotFound("case not found")
		}
		s.writeError(w, r, err)
		return
	}

	prior := c.Status
	c, err = s.store.ConsumeEscalation(r.Context(), c.ID,
		s.audit(r, "specialist", "portal.open", "case:"+c.ID, prior, domain.StatusSpecialistReviewing))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.Status != prior {
		s.bus.PublishStatus(c.ID, c.Status)
	}

	bundle, err := s.store.GetBundle(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

type adviceRequest struct {
	Token              string   `json:"token" validate:"required"`
	SpecialistID       string   `json:"specialist_id,omitempty"`
	AdviceType         string   `json:"advice_type" validate:"required,oneof=urgent_referral observe_2h manage_locally start_iv_fluids admit custom"`
	Notes              string   `json:"notes,omitempty" validate:"omitempty,max=5000"`
	MedicationsAdvised []string `json:"medications_advised,omitempty"`
	Investigations     []string `json:"investigations,omitempty"`
	FollowUpHours      *int     `json:"follow_up_hours,omitempty" validate:"omitempty,gte=0,lte=720"`
}

// handleAdvice appends specialist advice against its escalation token and
// pushes it to the PHW side of the case room.
func (s *Server) handleAdvice(w http.ResponseWriter, r *http.Request) {
	var req adviceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := s.resolveToken(r, req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	specialistID := req.SpecialistID
	if specialistID == "" {
		specialistID = c.SpecialistID
	}
	if specialistID == "" {
		specialistID = "specialist"
	}

	assessmentID := ""
	if bundle, err := s.store.GetBundle(r.Context(), c.ID); err == nil && bundle.Assessment != nil {
		assessmentID = bundle.Assessment.ID
	}

	adv := &domain.Advice{
		CaseID:             c.ID,
		AssessmentID:       assessmentID,
		SpecialistID:       specialistID,
		AdviceType:         req.AdviceType,
		Notes:              req.Notes,
		MedicationsAdvised: req.MedicationsAdvised,
		Investigations:     req.Investigations,
		FollowUpHours:      req.FollowUpHours,
	}

	c, err = s.store.AppendAdvice(r.Context(), adv, s.tokens.SingleUse(),
		s.audit(r, specialistID, "advice.append", "case:"+c.ID, nil, adv))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.tokens.SingleUse() {
		s.tokenCache.Invalidate(r.Context(), c.TokenHash)
	}
	s.bus.PublishStatus(c.ID, c.Status)
	s.bus.PublishAdvice(c.ID, adv)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "case_id": c.ID})
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	filter := store.ListFilter{PHWID: claims.Subject, Limit: 50}
	if claims.Role == roleAdmin {
		filter.PHWID = r.URL.Query().Get("phw_id")
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = domain.CaseStatus(status)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			s.writeError(w, r, apperr.Validation("limit must be an integer between 1 and 500"))
			return
		}
		filter.Limit = limit
	}

	cases, err := s.store.ListCases(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cases": cases, "count": len(cases)})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r.Context())

	bundle, err := s.store.GetBundle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireOwnership(claims, &bundle.Case); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, domain.StatusClosed, "case.close")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, domain.StatusCancelled, "case.cancel")
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, to domain.CaseStatus, action string) {
	claims, _ := claimsFrom(r.Context())
	caseID := mux.Vars(r)["id"]

	current, err := s.store.GetCase(r.Context(), caseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.requireOwnership(claims, current); err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := s.store.UpdateStatus(r.Context(), caseID, to,
		s.audit(r, claims.Subject, action, "case:"+caseID, current.Status, to))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.tokenCache.Invalidate(r.Context(), c.TokenHash)
	s.bus.PublishStatus(c.ID, c.Status)

	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(c.Status), "case_id": c.ID})
}

func (s *Server) requireOwnership(claims *Claims, c *domain.Case) error {
	if claims.Role == roleAdmin || c.PHWID == claims.Subject {
		return nil
	}
	return apperr.New(apperr.KindForbidden, "case belongs to another health worker")
}
