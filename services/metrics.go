package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/sevapulse/sevapulse/db"
)

// MetricsService owns the office_metrics table. Every recompute is a full
// rebuild from the session history, so re-running it on unchanged data is a
// no-op and retried triggers cannot double-count.
type MetricsService struct {
	PG    *sql.DB
	Redis *redis.Client
}

func NewMetricsService(pg *sql.DB, redis *redis.Client) *MetricsService {
	return &MetricsService{PG: pg, Redis: redis}
}

const (
	metricsCacheTTL = 10 * time.Minute

	// Trend band: month-over-month movement within ±0.2 is noise
	trendBand = 0.2
)

func metricsCacheKey(officeID string) string {
	return "office_metrics:" + officeID
}

type ratingSample struct {
	Rating    int
	CreatedAt time.Time
}

// RecomputeOffice rebuilds and overwrites the office's metrics record
func (s *MetricsService) RecomputeOffice(officeID string) error {
	ratings, err := s.loadRatings(officeID)
	if err != nil {
		return fmt.Errorf("failed to load ratings for office %s: %v", officeID, err)
	}

	annotations, err := s.loadAnnotations(officeID)
	if err != nil {
		return fmt.Errorf("failed to load annotations for office %s: %v", officeID, err)
	}

	monthlyCount, err := s.countSubmissionsThisMonth(officeID)
	if err != nil {
		return fmt.Errorf("failed to count submissions for office %s: %v", officeID, err)
	}

	metrics := computeMetrics(officeID, ratings, annotations, time.Now().UTC())
	metrics.MonthlySubmissionCount = monthlyCount

	if err := s.upsertMetrics(metrics); err != nil {
		return fmt.Errorf("failed to save metrics for office %s: %v", officeID, err)
	}

	s.cacheMetrics(metrics)
	return nil
}

// GetOfficeMetrics reads the stored metrics, through the cache when redis is
// available. Returns (nil, nil) when the office has never been aggregated.
func (s *MetricsService) GetOfficeMetrics(officeID string) (*db.OfficeMetrics, error) {
	if s.Redis != nil {
		raw, err := s.Redis.Get(context.Background(), metricsCacheKey(officeID)).Result()
		if err == nil {
			var m db.OfficeMetrics
			if jsonErr := json.Unmarshal([]byte(raw), &m); jsonErr == nil {
				return &m, nil
			}
		} else if err != redis.Nil {
			log.Printf("Metrics: redis read failed for office %s: %v", officeID, err)
		}
	}

	query := `
		SELECT office_id, score, trend, top_themes, confidence, monthly_submission_count, data_current, updated_at
		FROM office_metrics WHERE office_id = $1`

	var m db.OfficeMetrics
	err := s.PG.QueryRow(query, officeID).Scan(
		&m.OfficeID, &m.Score, &m.Trend, pq.Array(&m.TopThemes), &m.Confidence,
		&m.MonthlySubmissionCount, &m.DataCurrent, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.cacheMetrics(m)
	return &m, nil
}

func (s *MetricsService) cacheMetrics(m db.OfficeMetrics) {
	if s.Redis == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := s.Redis.Set(context.Background(), metricsCacheKey(m.OfficeID), raw, metricsCacheTTL).Err(); err != nil {
		log.Printf("Metrics: redis write failed for office %s: %v", m.OfficeID, err)
	}
}

func (s *MetricsService) loadRatings(officeID string) ([]ratingSample, error) {
	query := `
		SELECT (answers #>> '{office,rating}')::int, created_at
		FROM sessions
		WHERE office_id = $1 AND completed = TRUE AND flow_type = 'office'
		  AND answers #>> '{office,rating}' IS NOT NULL
		ORDER BY created_at`

	rows, err := s.PG.Query(query, officeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []ratingSample
	for rows.Next() {
		var r ratingSample
		if err := rows.Scan(&r.Rating, &r.CreatedAt); err != nil {
			return nil, err
		}
		samples = append(samples, r)
	}
	return samples, rows.Err()
}

func (s *MetricsService) loadAnnotations(officeID string) ([]db.Annotation, error) {
	query := `
		SELECT annotation
		FROM sessions
		WHERE office_id = $1 AND annotation IS NOT NULL
		ORDER BY created_at`

	rows, err := s.PG.Query(query, officeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []db.Annotation
	for rows.Next() {
		var an db.Annotation
		if err := rows.Scan(&an); err != nil {
			return nil, err
		}
		out = append(out, an)
	}
	return out, rows.Err()
}

func (s *MetricsService) countSubmissionsThisMonth(officeID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM sessions
		WHERE office_id = $1 AND completed = TRUE
		  AND created_at >= date_trunc('month', NOW())`

	var count int
	err := s.PG.QueryRow(query, officeID).Scan(&count)
	return count, err
}

func (s *MetricsService) upsertMetrics(m db.OfficeMetrics) error {
	query := `
		INSERT INTO office_metrics (office_id, score, trend, top_themes, confidence, monthly_submission_count, data_current, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (office_id) DO UPDATE SET
			score = EXCLUDED.score,
			trend = EXCLUDED.trend,
			top_themes = EXCLUDED.top_themes,
			confidence = EXCLUDED.confidence,
			monthly_submission_count = EXCLUDED.monthly_submission_count,
			data_current = EXCLUDED.data_current,
			updated_at = NOW()`

	_, err := s.PG.Exec(query, m.OfficeID, m.Score, m.Trend, pq.Array(m.TopThemes),
		m.Confidence, m.MonthlySubmissionCount, m.DataCurrent)
	return err
}

// ===========================
// PURE AGGREGATION
// ===========================

// computeMetrics derives the full metrics record from raw samples. Pure so
// it can be tested without a store; MonthlySubmissionCount is filled by the
// caller.
func computeMetrics(officeID string, ratings []ratingSample, annotations []db.Annotation, now time.Time) db.OfficeMetrics {
	score, dataCurrent := computeScore(ratings, now)
	metrics := db.OfficeMetrics{
		OfficeID:    officeID,
		Score:       score,
		Trend:       computeTrend(ratings, now),
		TopThemes:   topThemes(annotations),
		Confidence:  confidenceLabel(averageConfidence(annotations)),
		DataCurrent: dataCurrent,
		UpdatedAt:   now,
	}
	return metrics
}

func sameMonth(a, b time.Time) bool {
	return a.UTC().Year() == b.UTC().Year() && a.UTC().Month() == b.UTC().Month()
}

func averageRatings(ratings []ratingSample, keep func(ratingSample) bool) (float64, bool) {
	sum, n := 0, 0
	for _, r := range ratings {
		if keep(r) {
			sum += r.Rating
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return round2(float64(sum) / float64(n)), true
}

// computeScore prefers this calendar month's average; an office with no
// submissions this month falls back to its all-time average rather than
// reporting zero. The second return is false on fallback so the "stale
// score" case stays observable instead of silently looking healthy.
func computeScore(ratings []ratingSample, now time.Time) (float64, bool) {
	if current, ok := averageRatings(ratings, func(r ratingSample) bool {
		return sameMonth(r.CreatedAt, now)
	}); ok {
		return current, true
	}
	allTime, _ := averageRatings(ratings, func(ratingSample) bool { return true })
	return allTime, false
}

// monthKey flattens a timestamp to a monotonic calendar-month index, so
// month arithmetic never goes through AddDate's day normalization (which
// turns "one month before March 31" into March 3).
func monthKey(t time.Time) int {
	t = t.UTC()
	return t.Year()*12 + int(t.Month())
}

// computeTrend compares this month's average with last month's. No previous
// baseline means stable, never declining.
func computeTrend(ratings []ratingSample, now time.Time) string {
	prevKey := monthKey(now) - 1
	previous, ok := averageRatings(ratings, func(r ratingSample) bool {
		return monthKey(r.CreatedAt) == prevKey
	})
	if !ok {
		return db.TrendStable
	}
	current, ok := averageRatings(ratings, func(r ratingSample) bool {
		return sameMonth(r.CreatedAt, now)
	})
	if !ok {
		return db.TrendStable
	}

	switch {
	case current > previous+trendBand:
		return db.TrendImproving
	case current < previous-trendBand:
		return db.TrendDeclining
	default:
		return db.TrendStable
	}
}

// topThemes tallies theme frequency across every annotation and keeps the
// top three. Ties break by encounter order, so the output is deterministic.
func topThemes(annotations []db.Annotation) []string {
	counts := map[string]int{}
	order := map[string]int{}
	next := 0
	for _, an := range annotations {
		for _, theme := range an.Themes {
			if theme == "" {
				continue
			}
			if _, seen := counts[theme]; !seen {
				order[theme] = next
				next++
			}
			counts[theme]++
		}
	}

	themes := make([]string, 0, len(counts))
	for theme := range counts {
		themes = append(themes, theme)
	}
	sort.Slice(themes, func(i, j int) bool {
		if counts[themes[i]] != counts[themes[j]] {
			return counts[themes[i]] > counts[themes[j]]
		}
		return order[themes[i]] < order[themes[j]]
	})

	if len(themes) > 3 {
		themes = themes[:3]
	}
	return themes
}

func averageConfidence(annotations []db.Annotation) float64 {
	if len(annotations) == 0 {
		return 0
	}
	sum := 0.0
	for _, an := range annotations {
		sum += an.Confidence
	}
	return sum / float64(len(annotations))
}

func confidenceLabel(avg float64) string {
	switch {
	case avg > 85:
		return "High"
	case avg > 60:
		return "Medium"
	default:
		return "Low"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
