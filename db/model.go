package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ===========================
// OFFICE MODELS
// ===========================

// Office represents a government office citizens can rate
type Office struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	NameLocal  string    `json:"name_local,omitempty"` // Localized display name
	Location   string    `json:"location"`
	District   string    `json:"district"`
	Department string    `json:"department"`
	HeadName   string    `json:"head_name"`
	HeadPhone  string    `json:"head_phone"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OfficialContact is a contact record for an administrative role above the
// office head (district_collector, divisional_commissioner, guardian_secretary)
type OfficialContact struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	District    string    `json:"district,omitempty"`
	DeviceToken *string   `json:"device_token,omitempty"` // FCM token for the officials app
	CreatedAt   time.Time `json:"created_at"`
}

// Administrative roles used for escalation recipient resolution
const (
	RoleOfficeHead             = "office_head"
	RoleDistrictCollector      = "district_collector"
	RoleDivisionalCommissioner = "divisional_commissioner"
	RoleGuardianSecretary      = "guardian_secretary"
)

// OfficeMetrics is the denormalized per-office performance summary.
// Recomputed wholesale by the metrics service, never patched in place.
type OfficeMetrics struct {
	OfficeID               string    `json:"office_id"`
	Score                  float64   `json:"score"` // OMES, 0-5
	Trend                  string    `json:"trend"` // improving, stable, declining
	TopThemes              []string  `json:"top_themes"`
	Confidence             string    `json:"confidence"` // High, Medium, Low
	MonthlySubmissionCount int       `json:"monthly_submission_count"`
	DataCurrent            bool      `json:"data_current"` // false when score fell back to all-time average
	UpdatedAt              time.Time `json:"updated_at"`
}

const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// ===========================
// SESSION MODELS
// ===========================

// FlowType identifies which feedback dialogue branch a session follows
type FlowType string

const (
	FlowNone    FlowType = ""
	FlowOffice  FlowType = "office"
	FlowPolicy  FlowType = "policy"
	FlowProcess FlowType = "process"
)

// Dialogue step positions. StepTopicSelect is where a freshly created
// session starts; StepComplete is terminal.
const (
	StepEntry       = 0
	StepTopicSelect = 1
	StepFlowSecond  = 2
	StepFlowThird   = 3
	StepFlowFourth  = 4
	StepComplete    = 5
)

// OfficeAnswers holds the answers collected by the office experience flow
type OfficeAnswers struct {
	Rating   int    `json:"rating,omitempty"`
	Issue    string `json:"issue,omitempty"`    // filled when rating <= 3
	Positive string `json:"positive,omitempty"` // filled when rating > 3
}

// PolicyAnswers holds the answers collected by the policy suggestion flow
type PolicyAnswers struct {
	PolicyName      string `json:"policy_name,omitempty"`
	ImprovementType string `json:"improvement_type,omitempty"`
	Beneficiary     string `json:"beneficiary,omitempty"`
}

// ProcessAnswers holds the answers collected by the process reform flow
type ProcessAnswers struct {
	ProcessName    string `json:"process_name,omitempty"`
	DifficultyType string `json:"difficulty_type,omitempty"`
	Suggestion     string `json:"suggestion,omitempty"`
}

// SessionAnswers is a tagged union over the three flow answer shapes; at
// most one branch is non-nil, matching the session's flow_type.
type SessionAnswers struct {
	Office  *OfficeAnswers  `json:"office,omitempty"`
	Policy  *PolicyAnswers  `json:"policy,omitempty"`
	Process *ProcessAnswers `json:"process,omitempty"`
}

// Value implements driver.Valuer so SessionAnswers persists as jsonb
func (a SessionAnswers) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner for the jsonb answers column
func (a *SessionAnswers) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = SessionAnswers{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported type for SessionAnswers: %T", src)
	}
}

// Annotation is the asynchronously attached generative analysis of a
// session's free text. Optional; never required for completion.
type Annotation struct {
	Sentiment      string    `json:"sentiment"`
	Confidence     float64   `json:"confidence"` // 0-100
	Themes         []string  `json:"themes,omitempty"`
	Keywords       []string  `json:"keywords,omitempty"`
	TranslatedText string    `json:"translated_text,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	AnnotatedAt    time.Time `json:"annotated_at"`
}

// Value implements driver.Valuer so Annotation persists as jsonb
func (an Annotation) Value() (driver.Value, error) {
	return json.Marshal(an)
}

// Scan implements sql.Scanner for the jsonb annotation column
func (an *Annotation) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*an = Annotation{}
		return nil
	case []byte:
		return json.Unmarshal(v, an)
	case string:
		return json.Unmarshal([]byte(v), an)
	default:
		return fmt.Errorf("unsupported type for Annotation: %T", src)
	}
}

// Session is one citizen's feedback dialogue instance
type Session struct {
	ID          string         `json:"id"`
	Phone       string         `json:"phone"`
	OfficeID    string         `json:"office_id"`
	CurrentStep int            `json:"current_step"`
	FlowType    FlowType       `json:"flow_type"`
	Answers     SessionAnswers `json:"answers"`
	Annotation  *Annotation    `json:"annotation,omitempty"`
	Completed   bool           `json:"completed"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ===========================
// ESCALATION MODELS
// ===========================

// Escalation statuses
const (
	EscalationOpen           = "open"
	EscalationActionUploaded = "action_uploaded"
	EscalationResolved       = "resolved"
)

// Escalation is one administrative alert lifecycle for one office.
// Level is monotonically non-decreasing while the escalation stays open.
type Escalation struct {
	ID                     string     `json:"id"`
	OfficeID               string     `json:"office_id"`
	Level                  int        `json:"level"` // 1-4
	Status                 string     `json:"status"`
	OMESAtTrigger          float64    `json:"omes_at_trigger"`
	ConsecutiveMonthsBelow int        `json:"consecutive_months_below"`
	ThresholdUsed          float64    `json:"threshold_used"`
	CorrectiveActionNote   *string    `json:"corrective_action_note,omitempty"`
	CorrectiveActionBy     *string    `json:"corrective_action_by,omitempty"`
	CorrectiveActionAt     *time.Time `json:"corrective_action_at,omitempty"`
	TriggeredAt            time.Time  `json:"triggered_at"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty"`
}

// HasCorrectiveAction reports whether an official has uploaded a
// corrective action note for this escalation
func (e *Escalation) HasCorrectiveAction() bool {
	return e.CorrectiveActionNote != nil && *e.CorrectiveActionNote != ""
}

// Notification delivery statuses
const (
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
	NotificationPending = "pending"
)

// EscalationNotification is an immutable audit record of one delivery
// attempt. Never updated after insert.
type EscalationNotification struct {
	ID                string    `json:"id"`
	EscalationID      string    `json:"escalation_id"`
	Channel           string    `json:"channel"` // whatsapp, push
	RecipientRole     string    `json:"recipient_role"`
	RecipientPhone    string    `json:"recipient_phone"`
	Message           string    `json:"message"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	Status            string    `json:"status"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ===========================
// API KEY MODELS
// ===========================

// APIKey authenticates scheduler/operator callers of the admin surface
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
