package services

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevapulse/sevapulse/db"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+919876543210", "+919876543210"},
		{"9876543210", "+919876543210"},
		{"919876543210", "+919876543210"},
		{"009876543210", "+9876543210"},
		{"98765 43210", "+919876543210"},
		{"98765-43210", "+919876543210"},
		{"(98765) 43210", "+919876543210"},
		{"whatsapp:+919876543210", "+919876543210"},
		{"whatsapp:9876543210", "+919876543210"},
		{"  +91 98765 43210  ", "+919876543210"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in, "+91"), "input %q", tt.in)
	}
}

func testEscalation(level int) *db.Escalation {
	return &db.Escalation{
		ID:                     "esc-1",
		OfficeID:               "office-1",
		Level:                  level,
		Status:                 db.EscalationOpen,
		OMESAtTrigger:          2.1,
		ConsecutiveMonthsBelow: 3,
		ThresholdUsed:          OMESThreshold,
		TriggeredAt:            time.Now().UTC(),
	}
}

func testOffice() *db.Office {
	return &db.Office{
		ID:         "office-1",
		Name:       "Tehsil Office Baramati",
		Location:   "Baramati",
		District:   "Pune",
		Department: "Revenue",
		HeadName:   "R. Kulkarni",
		HeadPhone:  "9876501234",
	}
}

// Each severity tier has its own template; the bodies must be mutually
// distinct and carry the tier's urgency marker.
func TestRenderEscalationMessage_DistinctPerLevel(t *testing.T) {
	markers := map[int]string{
		1: "NOTICE - Level 1",
		2: "WARNING - Level 2",
		3: "URGENT - Level 3",
		4: "CRITICAL - Level 4",
	}

	seen := map[string]int{}
	for level, marker := range markers {
		body := renderEscalationMessage(testEscalation(level), testOffice(), db.RoleDistrictCollector)
		assert.Contains(t, body, marker)
		assert.Contains(t, body, "District Collector")
		assert.Contains(t, body, "Tehsil Office Baramati")
		assert.Contains(t, body, "2.1")
		if prev, dup := seen[body]; dup {
			t.Fatalf("levels %d and %d render the same body", prev, level)
		}
		seen[body] = level
	}
}

func newDispatchServiceForTest(t *testing.T, wa *WhatsAppService) (*NotificationService, sqlmock.Sqlmock) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return NewNotificationService(pg, wa, nil, "+91"), mock
}

func TestDispatchEscalation_SuccessWritesSentAudit(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"message_id": "MID-42"}`))
	}))
	defer gateway.Close()

	wa := &WhatsAppService{gatewayURL: gateway.URL, apiToken: "token-1", fromNumber: "+918000000000", client: gateway.Client()}
	svc, mock := newDispatchServiceForTest(t, wa)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escalation_notifications")).
		WithArgs(sqlmock.AnyArg(), "esc-1", "whatsapp", db.RoleOfficeHead, "+919876501234",
			sqlmock.AnyArg(), "MID-42", db.NotificationSent, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome := svc.DispatchEscalation(testEscalation(1), testOffice(),
		Recipient{Role: db.RoleOfficeHead, Name: "R. Kulkarni", Phone: "9876501234"})

	assert.Equal(t, db.NotificationSent, outcome.Status)
	assert.Equal(t, "MID-42", outcome.ProviderMessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Missing credentials are an expected deployment state: the attempt is
// audited as failed, and no error escapes the dispatcher.
func TestDispatchEscalation_UnconfiguredChannelAuditsFailure(t *testing.T) {
	wa := &WhatsAppService{client: http.DefaultClient}
	svc, mock := newDispatchServiceForTest(t, wa)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escalation_notifications")).
		WithArgs(sqlmock.AnyArg(), "esc-1", "whatsapp", db.RoleOfficeHead, "+919876501234",
			sqlmock.AnyArg(), nil, db.NotificationFailed, ErrChannelNotConfigured.Error(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome := svc.DispatchEscalation(testEscalation(2), testOffice(),
		Recipient{Role: db.RoleOfficeHead, Phone: "9876501234"})

	assert.Equal(t, db.NotificationFailed, outcome.Status)
	assert.Equal(t, ErrChannelNotConfigured.Error(), outcome.Err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchEscalation_GatewayRejectionAuditsFailure(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": "recipient opted out"}`))
	}))
	defer gateway.Close()

	wa := &WhatsAppService{gatewayURL: gateway.URL, apiToken: "token-1", fromNumber: "+918000000000", client: gateway.Client()}
	svc, mock := newDispatchServiceForTest(t, wa)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escalation_notifications")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome := svc.DispatchEscalation(testEscalation(3), testOffice(),
		Recipient{Role: db.RoleDivisionalCommissioner, Phone: "+919876500001"})

	assert.Equal(t, db.NotificationFailed, outcome.Status)
	assert.Contains(t, outcome.Err, "recipient opted out")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A failing audit write does not overturn a successful delivery.
func TestDispatchEscalation_AuditFaultKeepsOutcome(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message_id": "MID-7"}`))
	}))
	defer gateway.Close()

	wa := &WhatsAppService{gatewayURL: gateway.URL, apiToken: "token-1", fromNumber: "+918000000000", client: gateway.Client()}
	svc, mock := newDispatchServiceForTest(t, wa)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escalation_notifications")).
		WillReturnError(assert.AnError)

	outcome := svc.DispatchEscalation(testEscalation(1), testOffice(),
		Recipient{Role: db.RoleOfficeHead, Phone: "9876501234"})

	assert.Equal(t, db.NotificationSent, outcome.Status)
	assert.Equal(t, "MID-7", outcome.ProviderMessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
