package services

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevapulse/sevapulse/db"
)

func TestConsecutiveMonthsBelow(t *testing.T) {
	month := func(m string, avg float64) monthAverage {
		return monthAverage{Month: m, Average: avg}
	}

	tests := []struct {
		name    string
		history []monthAverage // newest first
		want    int
	}{
		{"no history", nil, 0},
		{"latest month healthy", []monthAverage{month("2026-08", 3.5), month("2026-07", 1.0)}, 0},
		{"two below then healthy", []monthAverage{month("2026-08", 2.0), month("2026-07", 2.5), month("2026-06", 4.0)}, 2},
		{"all below", []monthAverage{month("2026-08", 1.0), month("2026-07", 2.0), month("2026-06", 2.9)}, 3},
		{"exactly at threshold stops the run", []monthAverage{month("2026-08", 2.0), month("2026-07", 3.0), month("2026-06", 1.0)}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, consecutiveMonthsBelow(tt.history, OMESThreshold))
		})
	}
}

func TestLevelForEvidence(t *testing.T) {
	tests := []struct {
		months    int
		hasAction bool
		want      int
	}{
		{0, false, 0},
		{1, false, 1},
		{2, false, 1},
		{3, false, 2},
		{4, false, 2},
		{5, false, 4}, // sustained failure with no corrective action
		{7, false, 4},
		{5, true, 3},
		{6, true, 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levelForEvidence(tt.months, tt.hasAction),
			"months=%d hasAction=%v", tt.months, tt.hasAction)
	}
}

// ===========================
// SQL-BACKED SCENARIOS
// ===========================

type fakeNotifier struct {
	dispatched chan *db.Escalation
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{dispatched: make(chan *db.Escalation, 1)}
}

func (f *fakeNotifier) DispatchEscalation(esc *db.Escalation, office *db.Office, recipient Recipient) DispatchOutcome {
	f.dispatched <- esc
	return DispatchOutcome{Status: db.NotificationSent, ProviderMessageID: "MSG-1"}
}

func (f *fakeNotifier) waitForDispatch(t *testing.T) *db.Escalation {
	t.Helper()
	select {
	case esc := <-f.dispatched:
		return esc
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dispatch, got none")
		return nil
	}
}

func newEscalationServiceForTest(t *testing.T) (*EscalationService, sqlmock.Sqlmock, *fakeNotifier) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	officeService := NewOfficeService(pg)
	metricsService := NewMetricsService(pg, nil)
	notifier := newFakeNotifier()
	svc := NewEscalationService(pg, nil, officeService, metricsService, notifier)
	return svc, mock, notifier
}

func metricsRow(score float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"office_id", "score", "trend", "top_themes", "confidence", "monthly_submission_count", "data_current", "updated_at"}).
		AddRow("office-1", score, "stable", "{}", "Low", 0, true, time.Now())
}

func officeRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "name_local", "location", "district", "department",
		"head_name", "head_phone", "is_active", "created_at", "updated_at"}).
		AddRow("office-1", "Tehsil Office Baramati", "", "Baramati", "Pune", "Revenue",
			"R. Kulkarni", "9876501234", true, time.Now(), time.Now())
}

func activeEscalationRow(level int, note *string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "office_id", "level", "status", "omes_at_trigger",
		"consecutive_months_below", "threshold_used", "corrective_action_note",
		"corrective_action_by", "corrective_action_at", "triggered_at", "resolved_at"})
	rows.AddRow("esc-1", "office-1", level, db.EscalationOpen, 2.0, 3, OMESThreshold,
		note, nil, nil, time.Now(), nil)
	return rows
}

// Office with no session history but a forced below-threshold score gets
// exactly one level-1 escalation via the bootstrap rule.
func TestEvaluateOffice_BootstrapOpensLevelOne(t *testing.T) {
	svc, mock, notifier := newEscalationServiceForTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM office_metrics")).WillReturnRows(metricsRow(1.8))
	mock.ExpectQuery(regexp.QuoteMeta("avg_rating")).
		WillReturnRows(sqlmock.NewRows([]string{"month", "avg_rating"}))
	mock.ExpectQuery(regexp.QuoteMeta("status IN ('open', 'action_uploaded')")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escalations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM offices")).WillReturnRows(officeRow())

	result, err := svc.EvaluateOffice("office-1")
	require.NoError(t, err)

	assert.Equal(t, "opened", result.Action)
	assert.Equal(t, 1, result.Level)
	assert.Equal(t, 1, result.ConsecutiveMonthsBelow)

	esc := notifier.waitForDispatch(t)
	assert.Equal(t, 1, esc.Level)
	assert.Equal(t, 1.8, esc.OMESAtTrigger)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Five straight below-threshold months with an open, action-less escalation
// upgrade it to level 4.
func TestEvaluateOffice_SustainedFailureUpgradesToLevelFour(t *testing.T) {
	svc, mock, notifier := newEscalationServiceForTest(t)

	history := sqlmock.NewRows([]string{"month", "avg_rating"}).
		AddRow("2026-08", 1.5).
		AddRow("2026-07", 2.0).
		AddRow("2026-06", 1.8).
		AddRow("2026-05", 2.2).
		AddRow("2026-04", 2.9)

	mock.ExpectQuery(regexp.QuoteMeta("FROM office_metrics")).WillReturnRows(metricsRow(1.5))
	mock.ExpectQuery(regexp.QuoteMeta("avg_rating")).WillReturnRows(history)
	mock.ExpectQuery(regexp.QuoteMeta("status IN ('open', 'action_uploaded')")).
		WillReturnRows(activeEscalationRow(2, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE escalations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM offices")).WillReturnRows(officeRow())
	// Level 4 walks the contact hierarchy; no contact records exist, so it
	// falls back to the office head without further lookups failing.
	mock.ExpectQuery(regexp.QuoteMeta("FROM official_contacts")).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM official_contacts")).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM official_contacts")).WillReturnError(sql.ErrNoRows)

	result, err := svc.EvaluateOffice("office-1")
	require.NoError(t, err)

	assert.Equal(t, "upgraded", result.Action)
	assert.Equal(t, 4, result.Level)
	assert.Equal(t, 5, result.ConsecutiveMonthsBelow)

	esc := notifier.waitForDispatch(t)
	assert.Equal(t, 4, esc.Level)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A recovered score resolves the open escalation and raises nothing new,
// regardless of history.
func TestEvaluateOffice_RecoveryResolves(t *testing.T) {
	svc, mock, notifier := newEscalationServiceForTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM office_metrics")).WillReturnRows(metricsRow(4.0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE escalations")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.EvaluateOffice("office-1")
	require.NoError(t, err)

	assert.Equal(t, "resolved", result.Action)
	select {
	case <-notifier.dispatched:
		t.Fatal("recovery must not dispatch an alert")
	case <-time.After(50 * time.Millisecond):
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Evidence mapping at or below the open escalation's level is a no-op.
func TestEvaluateOffice_NeverDowngrades(t *testing.T) {
	svc, mock, notifier := newEscalationServiceForTest(t)

	history := sqlmock.NewRows([]string{"month", "avg_rating"}).AddRow("2026-08", 2.0)

	mock.ExpectQuery(regexp.QuoteMeta("FROM office_metrics")).WillReturnRows(metricsRow(2.0))
	mock.ExpectQuery(regexp.QuoteMeta("avg_rating")).WillReturnRows(history)
	mock.ExpectQuery(regexp.QuoteMeta("status IN ('open', 'action_uploaded')")).
		WillReturnRows(activeEscalationRow(2, nil))

	result, err := svc.EvaluateOffice("office-1")
	require.NoError(t, err)

	assert.Equal(t, "none", result.Action)
	select {
	case <-notifier.dispatched:
		t.Fatal("a no-op must not dispatch")
	case <-time.After(50 * time.Millisecond):
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A month at threshold interrupts the run: only the newest below-threshold
// streak counts, and absent months are skipped, not zeroed.
func TestEvaluateOffice_HealthyMonthBreaksStreak(t *testing.T) {
	svc, mock, _ := newEscalationServiceForTest(t)

	history := sqlmock.NewRows([]string{"month", "avg_rating"}).
		AddRow("2026-08", 2.0).
		AddRow("2026-06", 3.4). // July absent entirely
		AddRow("2026-05", 1.0)

	mock.ExpectQuery(regexp.QuoteMeta("FROM office_metrics")).WillReturnRows(metricsRow(2.0))
	mock.ExpectQuery(regexp.QuoteMeta("avg_rating")).WillReturnRows(history)
	mock.ExpectQuery(regexp.QuoteMeta("status IN ('open', 'action_uploaded')")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escalations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM offices")).WillReturnRows(officeRow())

	result, err := svc.EvaluateOffice("office-1")
	require.NoError(t, err)

	assert.Equal(t, "opened", result.Action)
	assert.Equal(t, 1, result.Level)
	assert.Equal(t, 1, result.ConsecutiveMonthsBelow)
}

// The list-all path passes empty filter values; the office filter must
// compare as text, because a parameter cast to uuid is constant-folded at
// plan time and errors on '' before the OR can short-circuit.
func TestListEscalations_EmptyFiltersListAll(t *testing.T) {
	svc, mock, _ := newEscalationServiceForTest(t)

	rows := sqlmock.NewRows([]string{"id", "office_id", "level", "status", "omes_at_trigger",
		"consecutive_months_below", "threshold_used", "corrective_action_note",
		"corrective_action_by", "corrective_action_at", "triggered_at", "resolved_at"}).
		AddRow("esc-2", "office-2", 2, db.EscalationOpen, 1.9, 3, OMESThreshold,
			nil, nil, nil, time.Now(), nil).
		AddRow("esc-1", "office-1", 1, db.EscalationResolved, 2.4, 1, OMESThreshold,
			nil, nil, nil, time.Now().Add(-time.Hour), nil)

	mock.ExpectQuery(regexp.QuoteMeta("office_id::text = $1")).
		WithArgs("", "").
		WillReturnRows(rows)

	escalations, err := svc.ListEscalations("", "")
	require.NoError(t, err)
	require.Len(t, escalations, 2)
	assert.Equal(t, "esc-2", escalations[0].ID)
	assert.Equal(t, "esc-1", escalations[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSweep_CountsRaisedEscalations(t *testing.T) {
	svc, mock, _ := newEscalationServiceForTest(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM offices WHERE is_active")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("office-1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM office_metrics")).WillReturnRows(metricsRow(4.2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE escalations")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	result, err := svc.RunSweep(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 1, result.OfficesChecked)
	assert.Equal(t, 0, result.EscalationsRaised)
	assert.NoError(t, mock.ExpectationsWereMet())
}
