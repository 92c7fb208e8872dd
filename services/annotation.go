package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/sevapulse/sevapulse/db"
)

// AnnotationService attaches the asynchronously produced generative
// analysis to a session and re-runs the downstream pipeline. A session is
// complete with or without an annotation; this only enriches it.
type AnnotationService struct {
	PG                *sql.DB
	MetricsService    *MetricsService
	EscalationService *EscalationService
}

func NewAnnotationService(pg *sql.DB, metricsService *MetricsService, escalationService *EscalationService) *AnnotationService {
	return &AnnotationService{
		PG:                pg,
		MetricsService:    metricsService,
		EscalationService: escalationService,
	}
}

// AttachAnnotation stores the producer's payload on the session and
// retriggers aggregation for the session's office. Theme and keyword lists
// are capped rather than rejected.
func (s *AnnotationService) AttachAnnotation(sessionID string, annotation db.Annotation) error {
	if len(annotation.Themes) > 3 {
		annotation.Themes = annotation.Themes[:3]
	}
	if len(annotation.Keywords) > 4 {
		annotation.Keywords = annotation.Keywords[:4]
	}
	annotation.AnnotatedAt = time.Now().UTC()

	var officeID string
	err := s.PG.QueryRow(`
		UPDATE sessions SET annotation = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING office_id`,
		annotation, sessionID).Scan(&officeID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to attach annotation to session %s: %v", sessionID, err)
	}

	// Aggregation is idempotent; a failure here just waits for the next
	// trigger and must not fail the attach.
	if err := s.MetricsService.RecomputeOffice(officeID); err != nil {
		log.Printf("Annotation: metrics recompute failed for office %s: %v", officeID, err)
		return nil
	}
	if _, err := s.EscalationService.EvaluateOffice(officeID); err != nil {
		log.Printf("Annotation: escalation evaluation failed for office %s: %v", officeID, err)
	}
	return nil
}
