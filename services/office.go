package services

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sevapulse/sevapulse/db"
)

// OfficeService manages the office registry and resolves inbound trigger
// text to a known office.
type OfficeService struct {
	PG *sql.DB
}

func NewOfficeService(pg *sql.DB) *OfficeService {
	return &OfficeService{PG: pg}
}

// Trigger patterns accepted as a "start feedback" message. The visible
// sentence form is what the QR poster tells citizens to send; the FB- form
// is the legacy prefixed office id kept for older posters.
var (
	visibleSentenceRe = regexp.MustCompile(`(?i)^(?:i want to )?(?:share|give)?\s*feedback\s+(?:for|on|about)\s+(.+)$`)
	legacyTriggerRe   = regexp.MustCompile(`(?i)^FB-([0-9a-f-]{36})$`)
)

const officeColumns = `id, name, name_local, location, district, department,
	       head_name, head_phone, is_active, created_at, updated_at`

func scanOffice(row *sql.Row) (*db.Office, error) {
	var o db.Office
	err := row.Scan(&o.ID, &o.Name, &o.NameLocal, &o.Location, &o.District,
		&o.Department, &o.HeadName, &o.HeadPhone, &o.IsActive, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOffice fetches an office by id
func (s *OfficeService) GetOffice(officeID string) (*db.Office, error) {
	query := `SELECT ` + officeColumns + ` FROM offices WHERE id = $1`
	office, err := scanOffice(s.PG.QueryRow(query, officeID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get office %s: %v", officeID, err)
	}
	return office, nil
}

// GetOfficeByName fetches an active office by display or localized name,
// case-insensitively
func (s *OfficeService) GetOfficeByName(name string) (*db.Office, error) {
	query := `SELECT ` + officeColumns + `
		FROM offices
		WHERE is_active = TRUE AND (LOWER(name) = LOWER($1) OR LOWER(name_local) = LOWER($1))
		LIMIT 1`
	office, err := scanOffice(s.PG.QueryRow(query, strings.TrimSpace(name)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up office by name: %v", err)
	}
	return office, nil
}

// ResolveOfficeFromText interprets a start-of-dialogue message as an office
// reference. Resolution order: visible sentence naming the office, legacy
// FB-<id> trigger, bare office id. Returns (nil, nil) when nothing matches.
func (s *OfficeService) ResolveOfficeFromText(text string) (*db.Office, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	if m := visibleSentenceRe.FindStringSubmatch(trimmed); m != nil {
		return s.GetOfficeByName(m[1])
	}

	if m := legacyTriggerRe.FindStringSubmatch(trimmed); m != nil {
		return s.GetOffice(strings.ToLower(m[1]))
	}

	if _, err := uuid.Parse(trimmed); err == nil {
		return s.GetOffice(strings.ToLower(trimmed))
	}

	return nil, nil
}

// ListActiveOfficeIDs returns the ids of all offices in scope for a sweep
func (s *OfficeService) ListActiveOfficeIDs() ([]string, error) {
	rows, err := s.PG.Query(`SELECT id FROM offices WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active offices: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetContactByRole returns the contact for an administrative role, preferring
// a district-scoped contact over a statewide one. Returns (nil, nil) when no
// contact record exists for the role.
func (s *OfficeService) GetContactByRole(role, district string) (*db.OfficialContact, error) {
	query := `
		SELECT id, role, name, phone, district, device_token, created_at
		FROM official_contacts
		WHERE role = $1 AND (district = $2 OR district = '')
		ORDER BY district DESC
		LIMIT 1`

	var c db.OfficialContact
	err := s.PG.QueryRow(query, role, district).Scan(
		&c.ID, &c.Role, &c.Name, &c.Phone, &c.District, &c.DeviceToken, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact for role %s: %v", role, err)
	}
	return &c, nil
}
