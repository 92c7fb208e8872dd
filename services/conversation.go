package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sevapulse/sevapulse/db"
)

// ConversationService drives the feedback dialogue one inbound message at a
// time. All state lives in the sessions table between turns; there is no
// in-process state per citizen.
type ConversationService struct {
	PG                *sql.DB
	OfficeService     *OfficeService
	MetricsService    *MetricsService
	EscalationService *EscalationService
}

func NewConversationService(pg *sql.DB, officeService *OfficeService, metricsService *MetricsService, escalationService *EscalationService) *ConversationService {
	return &ConversationService{
		PG:                pg,
		OfficeService:     officeService,
		MetricsService:    metricsService,
		EscalationService: escalationService,
	}
}

const (
	msgOnboarding = "Welcome to SevaPulse! To share feedback about a government office, scan the QR code displayed at the office, or send: feedback for <office name>."
	msgTopicMenu  = "What would you like to share?\n1. My experience at this office\n2. A policy suggestion\n3. A process that needs reform\n(Reply with 1, 2 or 3.)"
	msgTopicRetry = "Please reply with 1, 2 or 3 to choose a topic.\n1. My experience at this office\n2. A policy suggestion\n3. A process that needs reform"
	msgCompleted  = "This feedback session is already complete. Thank you! To share more feedback, send your office's feedback message again."
	msgInternal   = "Sorry, something went wrong on our side. Please try again in a few minutes."
)

var topicFlows = map[string]db.FlowType{
	"1": db.FlowOffice,
	"2": db.FlowPolicy,
	"3": db.FlowProcess,
}

// HandleInbound processes one (phone, text) pair and returns the reply to
// send back. It never returns an error: every internal fault is logged and
// converted into a generic apology, because the upstream channel retries the
// webhook on transport errors and a retry would corrupt step progression.
func (s *ConversationService) HandleInbound(phone, text string) string {
	sess, err := s.getOpenSession(phone)
	if err != nil {
		log.Printf("Conversation: failed to load session for %s: %v", phone, err)
		return msgInternal
	}

	if sess == nil {
		return s.handleSessionStart(phone, text)
	}

	switch {
	case sess.Completed || sess.CurrentStep == db.StepComplete:
		return msgCompleted
	case sess.CurrentStep == db.StepTopicSelect:
		return s.handleTopicSelect(sess, text)
	case sess.CurrentStep >= db.StepFlowSecond && sess.CurrentStep <= db.StepFlowFourth:
		return s.handleFlowTurn(sess, text)
	default:
		// Modeling bug, not citizen behaviour: the step value is outside
		// the dialogue graph.
		log.Printf("Conversation: ENGINEERING ERROR: session %s at unreachable step %d (flow %q)",
			sess.ID, sess.CurrentStep, sess.FlowType)
		return msgInternal
	}
}

// handleSessionStart interprets the first message of a dialogue as an office
// trigger and opens a session at the topic selection step.
func (s *ConversationService) handleSessionStart(phone, text string) string {
	office, err := s.OfficeService.ResolveOfficeFromText(text)
	if err != nil {
		log.Printf("Conversation: office resolution failed for %s: %v", phone, err)
		return msgInternal
	}
	if office == nil {
		// Not a recognized trigger; no session is created.
		return msgOnboarding
	}

	sess, err := s.startSession(phone, office.ID)
	if err != nil {
		log.Printf("Conversation: failed to start session for %s: %v", phone, err)
		return msgInternal
	}

	// A concurrent start may have won the race; greet for whichever office
	// the surviving session is bound to.
	if sess.OfficeID != office.ID {
		winner, err := s.OfficeService.GetOffice(sess.OfficeID)
		if err == nil && winner != nil {
			office = winner
		}
	}

	return fmt.Sprintf("Namaste! You are sharing feedback for %s, %s.\n\n%s",
		office.Name, office.Location, msgTopicMenu)
}

// startSession force-completes any stale open session for the phone and
// inserts a fresh one at the topic selection step, inside one transaction.
// The partial unique index on (phone) WHERE NOT completed makes concurrent
// creates race at the storage layer; the loser re-reads the winning session.
func (s *ConversationService) startSession(phone, officeID string) (*db.Session, error) {
	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Restart semantics: a new trigger abandons, never resumes, prior work.
	if _, err := tx.Exec(
		`UPDATE sessions SET completed = TRUE, updated_at = NOW() WHERE phone = $1 AND completed = FALSE`,
		phone); err != nil {
		return nil, fmt.Errorf("failed to close stale sessions: %v", err)
	}

	sess := &db.Session{
		ID:          uuid.New().String(),
		Phone:       phone,
		OfficeID:    officeID,
		CurrentStep: db.StepTopicSelect,
		FlowType:    db.FlowNone,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, phone, office_id, current_step, flow_type, answers, completed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)`,
		sess.ID, sess.Phone, sess.OfficeID, sess.CurrentStep, string(sess.FlowType),
		sess.Answers, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Lost the create race: exactly one open session survives.
			winner, readErr := s.getOpenSession(phone)
			if readErr != nil || winner == nil {
				return nil, fmt.Errorf("lost session create race and could not read winner: %v", readErr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("failed to insert session: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session create: %v", err)
	}
	return sess, nil
}

func (s *ConversationService) handleTopicSelect(sess *db.Session, text string) string {
	flow, ok := topicFlows[strings.TrimSpace(text)]
	if !ok {
		return msgTopicRetry
	}

	sess.FlowType = flow
	sess.CurrentStep = db.StepFlowSecond
	if err := s.saveSession(sess); err != nil {
		log.Printf("Conversation: failed to save topic choice for session %s: %v", sess.ID, err)
		return msgInternal
	}
	return flowFirstQuestion(flow)
}

func (s *ConversationService) handleFlowTurn(sess *db.Session, text string) string {
	result, ok := handleFlowStep(sess, text)
	if !ok {
		log.Printf("Conversation: ENGINEERING ERROR: no handler for flow %q step %d (session %s)",
			sess.FlowType, sess.CurrentStep, sess.ID)
		return msgInternal
	}

	// A rejected input re-prompts at the same step and records nothing;
	// there is no state change to persist.
	if result.NextStep == sess.CurrentStep && !result.Completed {
		return result.Message
	}

	sess.CurrentStep = result.NextStep
	sess.Completed = result.Completed
	if err := s.saveSession(sess); err != nil {
		log.Printf("Conversation: failed to save session %s: %v", sess.ID, err)
		return msgInternal
	}

	if result.Completed {
		s.onSessionCompleted(sess)
	}
	return result.Message
}

// onSessionCompleted runs the downstream pipeline in the same request:
// recompute the office score, then re-evaluate escalation evidence. Both are
// idempotent, so a retried trigger cannot double-count. Failures here never
// change the citizen-facing reply.
func (s *ConversationService) onSessionCompleted(sess *db.Session) {
	if err := s.MetricsService.RecomputeOffice(sess.OfficeID); err != nil {
		log.Printf("Conversation: metrics recompute failed for office %s: %v", sess.OfficeID, err)
		return
	}
	if _, err := s.EscalationService.EvaluateOffice(sess.OfficeID); err != nil {
		log.Printf("Conversation: escalation evaluation failed for office %s: %v", sess.OfficeID, err)
	}
}

func (s *ConversationService) getOpenSession(phone string) (*db.Session, error) {
	query := `
		SELECT id, phone, office_id, current_step, flow_type, answers, annotation, completed, created_at, updated_at
		FROM sessions
		WHERE phone = $1 AND completed = FALSE
		ORDER BY created_at DESC
		LIMIT 1`

	var sess db.Session
	var flow string
	var annRaw []byte
	err := s.PG.QueryRow(query, phone).Scan(
		&sess.ID, &sess.Phone, &sess.OfficeID, &sess.CurrentStep, &flow,
		&sess.Answers, &annRaw, &sess.Completed, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.FlowType = db.FlowType(flow)
	if len(annRaw) > 0 {
		var an db.Annotation
		if err := json.Unmarshal(annRaw, &an); err == nil {
			sess.Annotation = &an
		}
	}
	return &sess, nil
}

func (s *ConversationService) saveSession(sess *db.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.PG.Exec(`
		UPDATE sessions
		SET current_step = $1, flow_type = $2, answers = $3, completed = $4, updated_at = $5
		WHERE id = $6`,
		sess.CurrentStep, string(sess.FlowType), sess.Answers, sess.Completed, sess.UpdatedAt, sess.ID)
	return err
}
