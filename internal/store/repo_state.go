package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/piwardrive/piwardrive/internal/errs"
)

// SaveAppState upserts the singleton app_state row (id=1).
func (s *Store) SaveAppState(st AppState) error {
	err := writeRetry.Do(context.Background(), func(context.Context) error {
		_, err := s.db.Exec(`INSERT INTO app_state (id, last_screen, last_start, first_run)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_screen = excluded.last_screen,
				last_start  = excluded.last_start,
				first_run   = excluded.first_run`,
			st.LastScreen, st.LastStart, st.FirstRun)
		return err
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "save app state", err)
	}
	return nil
}

// LoadAppState returns the singleton row, or defaults when none exists yet.
func (s *Store) LoadAppState() (AppState, error) {
	var st AppState
	err := s.db.QueryRow(`SELECT last_screen, last_start, first_run FROM app_state WHERE id = 1`).
		Scan(&st.LastScreen, &st.LastStart, &st.FirstRun)
	if errors.Is(err, sql.ErrNoRows) {
		return AppState{FirstRun: true}, nil
	}
	if err != nil {
		return AppState{}, errs.Wrap(errs.KindStorage, "load app state", err)
	}
	return st, nil
}

// SaveDashboardSettings replaces the stored widget layout document.
// The payload must be valid JSON.
func (s *Store) SaveDashboardSettings(layout json.RawMessage) error {
	if !json.Valid(layout) {
		return errs.New(errs.KindValidation, "dashboard settings must be valid JSON")
	}
	err := writeRetry.Do(context.Background(), func(context.Context) error {
		_, err := s.db.Exec(`INSERT INTO dashboard_settings (id, layout_json)
			VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET layout_json = excluded.layout_json`,
			string(layout))
		return err
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "save dashboard settings", err)
	}
	return nil
}

// LoadDashboardSettings returns the stored layout, or an empty document.
func (s *Store) LoadDashboardSettings() (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRow(`SELECT layout_json FROM dashboard_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "load dashboard settings", err)
	}
	return json.RawMessage(raw), nil
}

// UpsertFingerprint records a sighting of an access point. first_seen is
// written once and never updated; last_seen advances on every call.
func (s *Store) UpsertFingerprint(fp Fingerprint) error {
	if fp.BSSID == "" {
		return errs.New(errs.KindValidation, "fingerprint requires a bssid")
	}
	err := writeRetry.Do(context.Background(), func(context.Context) error {
		_, err := s.db.Exec(`INSERT INTO fingerprints (bssid, ssid, first_seen, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(bssid) DO UPDATE SET
				ssid      = excluded.ssid,
				last_seen = excluded.last_seen`,
			fp.BSSID, fp.SSID, fp.FirstSeen, fp.LastSeen)
		return err
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "upsert fingerprint", err)
	}
	return nil
}

// LoadFingerprint looks up one access point by BSSID.
func (s *Store) LoadFingerprint(bssid string) (Fingerprint, error) {
	var fp Fingerprint
	err := s.db.QueryRow(`SELECT bssid, ssid, first_seen, last_seen FROM fingerprints WHERE bssid = ?`,
		bssid).Scan(&fp.BSSID, &fp.SSID, &fp.FirstSeen, &fp.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Fingerprint{}, errs.Newf(errs.KindNotFound, "no fingerprint for %s", bssid)
	}
	if err != nil {
		return Fingerprint{}, errs.Wrap(errs.KindStorage, "load fingerprint", err)
	}
	return fp, nil
}

// ListFingerprints returns all known access points ordered by last sighting.
func (s *Store) ListFingerprints() ([]Fingerprint, error) {
	rows, err := s.db.Query(`SELECT bssid, ssid, first_seen, last_seen
		FROM fingerprints ORDER BY last_seen DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "list fingerprints", err)
	}
	defer rows.Close()

	var out []Fingerprint
	for rows.Next() {
		var fp Fingerprint
		if err := rows.Scan(&fp.BSSID, &fp.SSID, &fp.FirstSeen, &fp.LastSeen); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan fingerprint", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}
