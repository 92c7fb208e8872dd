package services

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sevapulse/sevapulse/db"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyService authenticates scheduler and operator callers of the admin
// surface. Raw keys are shown once at creation; only bcrypt hashes are
// stored.
type APIKeyService struct {
	PG *sql.DB
}

func NewAPIKeyService(pg *sql.DB) *APIKeyService {
	return &APIKeyService{PG: pg}
}

// CreateAPIKey mints a new key and returns the raw value once
func (s *APIKeyService) CreateAPIKey(name string) (string, *db.APIKey, error) {
	rawKey := "svp_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash API key: %v", err)
	}

	key := &db.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   string(hash),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.PG.Exec(`
		INSERT INTO api_keys (id, name, key_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.Name, key.KeyHash, key.IsActive, key.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to insert API key: %v", err)
	}

	return rawKey, key, nil
}

// ValidateAPIKey checks a presented raw key against the active hashes and
// stamps last_used_at on a match
func (s *APIKeyService) ValidateAPIKey(rawKey string) (*db.APIKey, error) {
	if !strings.HasPrefix(rawKey, "svp_") {
		return nil, fmt.Errorf("not an API key")
	}

	rows, err := s.PG.Query(`
		SELECT id, name, key_hash, is_active, created_at, last_used_at
		FROM api_keys WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to load API keys: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key db.APIKey
		if err := rows.Scan(&key.ID, &key.Name, &key.KeyHash, &key.IsActive, &key.CreatedAt, &key.LastUsedAt); err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			if _, err := s.PG.Exec(`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, key.ID); err != nil {
				log.Printf("APIKey: failed to stamp last_used_at for %s: %v", key.ID, err)
			}
			return &key, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("invalid API key")
}
