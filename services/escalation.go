package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sevapulse/sevapulse/db"
	"golang.org/x/sync/errgroup"
)

// Fixed four-tier escalation policy. Thresholds are deliberately not
// configurable; this is policy, not a rules engine.
const (
	// OMESThreshold is the score below which an office is underperforming
	OMESThreshold = 3.0

	// historyMonths is the rolling window used to count sustained decline
	historyMonths = 6

	sweepLockTTL = 30 * time.Second
)

// EscalationService inspects an office's score history and opens, upgrades,
// or resolves escalations. Dispatch of the resulting alert is asynchronous
// and never blocks or rolls back the state transition.
type EscalationService struct {
	PG             *sql.DB
	Redis          *redis.Client
	OfficeService  *OfficeService
	MetricsService *MetricsService
	Notifier       EscalationNotifier
}

func NewEscalationService(pg *sql.DB, redis *redis.Client, officeService *OfficeService, metricsService *MetricsService, notifier EscalationNotifier) *EscalationService {
	return &EscalationService{
		PG:             pg,
		Redis:          redis,
		OfficeService:  officeService,
		MetricsService: metricsService,
		Notifier:       notifier,
	}
}

// EvaluationResult describes the single state transition (or no-op) an
// evaluation performed.
type EvaluationResult struct {
	OfficeID               string `json:"office_id"`
	Action                 string `json:"action"` // none, resolved, opened, upgraded
	Level                  int    `json:"level,omitempty"`
	ConsecutiveMonthsBelow int    `json:"consecutive_months_below,omitempty"`
}

// SweepResult summarizes a batch evaluation over all active offices
type SweepResult struct {
	OfficesChecked    int `json:"officesChecked"`
	EscalationsRaised int `json:"escalationsRaised"`
}

type monthAverage struct {
	Month   string // YYYY-MM
	Average float64
}

// EvaluateOffice runs the escalation decision procedure for one office and
// performs exactly one resulting transition.
func (s *EscalationService) EvaluateOffice(officeID string) (*EvaluationResult, error) {
	result := &EvaluationResult{OfficeID: officeID, Action: "none"}

	metrics, err := s.MetricsService.GetOfficeMetrics(officeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics for office %s: %v", officeID, err)
	}

	score := 0.0
	if metrics != nil {
		score = metrics.Score
	}

	// Recovery always wins over any pending evidence.
	if score >= OMESThreshold && score > 0 {
		resolved, err := s.resolveActiveEscalations(officeID)
		if err != nil {
			return nil, err
		}
		if resolved > 0 {
			result.Action = "resolved"
		}
		return result, nil
	}

	history, err := s.monthlyAverages(officeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load score history for office %s: %v", officeID, err)
	}

	consecutive := consecutiveMonthsBelow(history, OMESThreshold)

	// Bootstrap rule: a below-threshold stored score with no session-derived
	// evidence still counts as one bad month, so offices scored directly
	// (e.g. seeded or migrated) are not silently ignored.
	if consecutive == 0 && score > 0 && score < OMESThreshold {
		consecutive = 1
	}
	result.ConsecutiveMonthsBelow = consecutive

	existing, err := s.getActiveEscalation(officeID)
	if err != nil {
		return nil, err
	}

	hasCorrectiveAction := existing != nil && existing.HasCorrectiveAction()
	level := levelForEvidence(consecutive, hasCorrectiveAction)
	if level == 0 {
		return result, nil
	}

	// Never downgrade or duplicate an open escalation.
	if existing != nil && level <= existing.Level {
		return result, nil
	}

	esc, action, err := s.raiseEscalation(officeID, existing, level, score, consecutive)
	if err != nil {
		return nil, err
	}
	result.Action = action
	result.Level = level

	s.dispatchAsync(esc)
	return result, nil
}

// RunSweep applies EvaluateOffice to every active office. Evaluations are
// independent, so they run in a bounded pool; cancellation abandons
// unprocessed offices in place and already-written rows stand.
func (s *EscalationService) RunSweep(ctx context.Context, concurrency int) (*SweepResult, error) {
	officeIDs, err := s.OfficeService.ListActiveOfficeIDs()
	if err != nil {
		return nil, err
	}

	if concurrency < 1 {
		concurrency = 1
	}

	var raised int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	checked := 0
	for _, officeID := range officeIDs {
		if gctx.Err() != nil {
			break
		}
		checked++

		id := officeID
		g.Go(func() error {
			if !s.acquireSweepLock(id) {
				// Another evaluation for this office is in flight; per-office
				// serialization is all the correctness we need.
				return nil
			}
			defer s.releaseSweepLock(id)

			res, err := s.EvaluateOffice(id)
			if err != nil {
				log.Printf("Sweep: evaluation failed for office %s: %v", id, err)
				return nil
			}
			if res.Action == "opened" || res.Action == "upgraded" {
				atomic.AddInt64(&raised, 1)
			}
			return nil
		})
	}

	_ = g.Wait()
	return &SweepResult{OfficesChecked: checked, EscalationsRaised: int(raised)}, nil
}

// ===========================
// DECISION HELPERS
// ===========================

// consecutiveMonthsBelow counts backward from the most recent month with
// data, stopping at the first month at or above threshold. Months with no
// sessions are absent from the history entirely; missing data never reads
// as poor performance.
func consecutiveMonthsBelow(history []monthAverage, threshold float64) int {
	count := 0
	for _, m := range history {
		if m.Average >= threshold {
			break
		}
		count++
	}
	return count
}

// levelForEvidence maps sustained decline to a severity tier. Five or more
// months with no corrective action on file is exhausted patience: level 4.
func levelForEvidence(consecutiveBelow int, hasCorrectiveAction bool) int {
	switch {
	case consecutiveBelow == 0:
		return 0
	case consecutiveBelow <= 2:
		return 1
	case consecutiveBelow <= 4:
		return 2
	case hasCorrectiveAction:
		return 3
	default:
		return 4
	}
}

// ===========================
// STORE OPERATIONS
// ===========================

func (s *EscalationService) monthlyAverages(officeID string) ([]monthAverage, error) {
	query := `
		SELECT to_char(date_trunc('month', created_at), 'YYYY-MM') AS month,
		       AVG((answers #>> '{office,rating}')::numeric) AS avg_rating
		FROM sessions
		WHERE office_id = $1 AND completed = TRUE AND flow_type = 'office'
		  AND answers #>> '{office,rating}' IS NOT NULL
		  AND created_at >= date_trunc('month', NOW()) - INTERVAL '5 months'
		GROUP BY 1
		ORDER BY 1 DESC`

	rows, err := s.PG.Query(query, officeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []monthAverage
	for rows.Next() {
		var m monthAverage
		if err := rows.Scan(&m.Month, &m.Average); err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

const escalationColumns = `id, office_id, level, status, omes_at_trigger, consecutive_months_below,
	       threshold_used, corrective_action_note, corrective_action_by, corrective_action_at,
	       triggered_at, resolved_at`

func scanEscalationRow(scan func(dest ...interface{}) error) (*db.Escalation, error) {
	var e db.Escalation
	err := scan(&e.ID, &e.OfficeID, &e.Level, &e.Status, &e.OMESAtTrigger,
		&e.ConsecutiveMonthsBelow, &e.ThresholdUsed, &e.CorrectiveActionNote,
		&e.CorrectiveActionBy, &e.CorrectiveActionAt, &e.TriggeredAt, &e.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// getActiveEscalation returns the office's most recent open or
// action-uploaded escalation, or nil when none exists
func (s *EscalationService) getActiveEscalation(officeID string) (*db.Escalation, error) {
	query := `
		SELECT ` + escalationColumns + `
		FROM escalations
		WHERE office_id = $1 AND status IN ('open', 'action_uploaded')
		ORDER BY triggered_at DESC
		LIMIT 1`

	esc, err := scanEscalationRow(s.PG.QueryRow(query, officeID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active escalation for office %s: %v", officeID, err)
	}
	return esc, nil
}

func (s *EscalationService) resolveActiveEscalations(officeID string) (int64, error) {
	res, err := s.PG.Exec(`
		UPDATE escalations
		SET status = 'resolved', resolved_at = NOW()
		WHERE office_id = $1 AND status IN ('open', 'action_uploaded')`,
		officeID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve escalations for office %s: %v", officeID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("Escalation: office %s recovered, resolved %d escalation(s)", officeID, n)
	}
	return n, nil
}

// raiseEscalation opens a new escalation or upgrades the existing open one,
// stamping the evidence that justified the level.
func (s *EscalationService) raiseEscalation(officeID string, existing *db.Escalation, level int, score float64, consecutive int) (*db.Escalation, string, error) {
	if existing != nil {
		query := `
			UPDATE escalations
			SET level = $1, omes_at_trigger = $2, consecutive_months_below = $3, threshold_used = $4
			WHERE id = $5`
		if _, err := s.PG.Exec(query, level, score, consecutive, OMESThreshold, existing.ID); err != nil {
			return nil, "", fmt.Errorf("failed to upgrade escalation %s: %v", existing.ID, err)
		}
		upgraded := *existing
		upgraded.Level = level
		upgraded.OMESAtTrigger = score
		upgraded.ConsecutiveMonthsBelow = consecutive
		upgraded.ThresholdUsed = OMESThreshold
		log.Printf("Escalation: upgraded office %s to level %d (%d months below %.1f)",
			officeID, level, consecutive, OMESThreshold)
		return &upgraded, "upgraded", nil
	}

	esc := &db.Escalation{
		ID:                     uuid.New().String(),
		OfficeID:               officeID,
		Level:                  level,
		Status:                 db.EscalationOpen,
		OMESAtTrigger:          score,
		ConsecutiveMonthsBelow: consecutive,
		ThresholdUsed:          OMESThreshold,
		TriggeredAt:            time.Now().UTC(),
	}

	query := `
		INSERT INTO escalations (id, office_id, level, status, omes_at_trigger, consecutive_months_below, threshold_used, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.PG.Exec(query, esc.ID, esc.OfficeID, esc.Level, esc.Status,
		esc.OMESAtTrigger, esc.ConsecutiveMonthsBelow, esc.ThresholdUsed, esc.TriggeredAt); err != nil {
		return nil, "", fmt.Errorf("failed to create escalation for office %s: %v", officeID, err)
	}
	log.Printf("Escalation: opened level %d for office %s (%d months below %.1f)",
		level, officeID, consecutive, OMESThreshold)
	return esc, "opened", nil
}

// dispatchAsync hands the alert to the notification dispatcher without
// awaiting the outcome. A failed send is logged and audited, never allowed
// to roll back the escalation.
func (s *EscalationService) dispatchAsync(esc *db.Escalation) {
	if s.Notifier == nil {
		return
	}

	office, err := s.OfficeService.GetOffice(esc.OfficeID)
	if err != nil || office == nil {
		log.Printf("Escalation: cannot resolve office %s for dispatch: %v", esc.OfficeID, err)
		return
	}

	recipient := s.resolveRecipient(esc.Level, office)

	go func() {
		outcome := s.Notifier.DispatchEscalation(esc, office, recipient)
		if outcome.Status == db.NotificationSent {
			log.Printf("Escalation: alert for office %s delivered to %s (%s)",
				esc.OfficeID, recipient.Role, outcome.ProviderMessageID)
		} else {
			log.Printf("Escalation: alert for office %s to %s NOT delivered: %s",
				esc.OfficeID, recipient.Role, outcome.Err)
		}
	}()
}

// resolveRecipient picks the official alerted for a level. The hierarchy is
// office head (1), district collector (2), divisional commissioner (3);
// level 4 targets the guardian secretary, who has no direct contact record,
// so it falls back down commissioner, collector, then office head. Any
// missing contact record falls back the same way.
func (s *EscalationService) resolveRecipient(level int, office *db.Office) Recipient {
	chain := []string{db.RoleOfficeHead}
	switch level {
	case 2:
		chain = []string{db.RoleDistrictCollector, db.RoleOfficeHead}
	case 3:
		chain = []string{db.RoleDivisionalCommissioner, db.RoleDistrictCollector, db.RoleOfficeHead}
	case 4:
		chain = []string{db.RoleGuardianSecretary, db.RoleDivisionalCommissioner, db.RoleDistrictCollector, db.RoleOfficeHead}
	}

	for _, role := range chain {
		if role == db.RoleOfficeHead {
			break
		}
		contact, err := s.OfficeService.GetContactByRole(role, office.District)
		if err != nil {
			log.Printf("Escalation: contact lookup failed for role %s: %v", role, err)
			continue
		}
		if contact != nil {
			return Recipient{Role: role, Name: contact.Name, Phone: contact.Phone, DeviceToken: contact.DeviceToken}
		}
	}

	return Recipient{Role: db.RoleOfficeHead, Name: office.HeadName, Phone: office.HeadPhone}
}

func (s *EscalationService) acquireSweepLock(officeID string) bool {
	if s.Redis == nil {
		return true
	}
	ok, err := s.Redis.SetNX(context.Background(), "sweep_lock:"+officeID, "1", sweepLockTTL).Result()
	if err != nil {
		// Lock failure should not stop the sweep; evaluation is idempotent.
		log.Printf("Sweep: lock acquire failed for office %s: %v", officeID, err)
		return true
	}
	return ok
}

func (s *EscalationService) releaseSweepLock(officeID string) {
	if s.Redis == nil {
		return
	}
	if err := s.Redis.Del(context.Background(), "sweep_lock:"+officeID).Err(); err != nil {
		log.Printf("Sweep: lock release failed for office %s: %v", officeID, err)
	}
}

// ===========================
// ADMIN OPERATIONS
// ===========================

// UploadCorrectiveAction records an official's remedial note on an
// escalation that is not yet resolved. It changes status to action_uploaded
// but does not by itself resolve anything; only score recovery resolves.
func (s *EscalationService) UploadCorrectiveAction(escalationID, note, uploadedBy string) (*db.Escalation, error) {
	query := `
		UPDATE escalations
		SET corrective_action_note = $1,
		    corrective_action_by = $2,
		    corrective_action_at = NOW(),
		    status = CASE WHEN status = 'open' THEN 'action_uploaded' ELSE status END
		WHERE id = $3 AND status != 'resolved'
		RETURNING ` + escalationColumns

	esc, err := scanEscalationRow(s.PG.QueryRow(query, note, uploadedBy, escalationID).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escalation %s not found or already resolved", escalationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upload corrective action: %v", err)
	}
	return esc, nil
}

// GetEscalation fetches one escalation by id
func (s *EscalationService) GetEscalation(escalationID string) (*db.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE id = $1`
	esc, err := scanEscalationRow(s.PG.QueryRow(query, escalationID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation %s: %v", escalationID, err)
	}
	return esc, nil
}

// ListEscalations returns escalations, optionally filtered by office and
// status, newest first
func (s *EscalationService) ListEscalations(officeID, status string) ([]db.Escalation, error) {
	// The office filter compares as text: a uuid cast of the parameter
	// would be constant-folded at plan time and blow up on the empty
	// list-all value before the OR could short-circuit.
	query := `
		SELECT ` + escalationColumns + `
		FROM escalations
		WHERE ($1 = '' OR office_id::text = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY triggered_at DESC
		LIMIT 200`

	rows, err := s.PG.Query(query, officeID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %v", err)
	}
	defer rows.Close()

	var out []db.Escalation
	for rows.Next() {
		esc, err := scanEscalationRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *esc)
	}
	return out, rows.Err()
}
