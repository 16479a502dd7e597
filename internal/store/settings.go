package store

import (
	"database/sql"
	"fmt"

	"github.com/hollisdev/subledger/internal/model"
)

// SettingsStore reads and writes the single global_config row. The client
// application's validation middleware reads the same row.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the settings row, creating the default row if missing.
func (s *SettingsStore) Get() (*model.Settings, error) {
	settings, err := s.get()
	if err != nil {
		return nil, err
	}
	if settings != nil {
		return settings, nil
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO global_config (id) VALUES (1)`); err != nil {
		return nil, fmt.Errorf("create default settings: %w", err)
	}
	return s.get()
}

func (s *SettingsStore) get() (*model.Settings, error) {
	var settings model.Settings
	var enabled int
	var landingURL sql.NullString
	err := s.db.QueryRow(
		`SELECT subscription_validation_enabled, subscription_landing_page_url FROM global_config WHERE id = 1`,
	).Scan(&enabled, &landingURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	settings.ValidationEnabled = enabled != 0
	if landingURL.Valid {
		settings.LandingPageURL = &landingURL.String
	}
	return &settings, nil
}

// Update writes both settings fields.
func (s *SettingsStore) Update(validationEnabled bool, landingPageURL *string) error {
	var enabled int
	if validationEnabled {
		enabled = 1
	}
	_, err := s.db.Exec(
		`UPDATE global_config SET subscription_validation_enabled = ?, subscription_landing_page_url = ? WHERE id = 1`,
		enabled, landingPageURL,
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
