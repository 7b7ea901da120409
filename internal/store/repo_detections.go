package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/piwardrive/piwardrive/internal/errs"
)

// CreateScanSession registers a new session. The id must be caller-supplied
// (a UUID) so detection appends can reference it immediately.
func (s *Store) CreateScanSession(sess ScanSession) error {
	if sess.ID == "" {
		return errs.New(errs.KindValidation, "scan session requires an id")
	}
	if sess.StartedAt == "" {
		return errs.New(errs.KindValidation, "scan session requires started_at")
	}
	err := writeRetry.Do(context.Background(), func(context.Context) error {
		_, err := s.db.Exec(`INSERT INTO scan_sessions (id, started_at, ended_at, scan_type, notes)
			VALUES (?, ?, ?, ?, ?)`,
			sess.ID, sess.StartedAt, sess.EndedAt, sess.ScanType, sess.Notes)
		return err
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "create scan session", err)
	}
	return nil
}

// EndScanSession stamps a session's end time.
func (s *Store) EndScanSession(id, endedAt string) error {
	err := writeRetry.Do(context.Background(), func(context.Context) error {
		res, err := s.db.Exec(`UPDATE scan_sessions SET ended_at = ? WHERE id = ?`, endedAt, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.Newf(errs.KindNotFound, "no scan session %s", id)
		}
		return nil
	})
	if errs.KindOf(err) == errs.KindNotFound {
		return err
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "end scan session", err)
	}
	return nil
}

// LoadScanSession looks up one session by id.
func (s *Store) LoadScanSession(id string) (ScanSession, error) {
	var sess ScanSession
	err := s.db.QueryRow(`SELECT id, started_at, ended_at, scan_type, notes
		FROM scan_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &sess.ScanType, &sess.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return ScanSession{}, errs.Newf(errs.KindNotFound, "no scan session %s", id)
	}
	if err != nil {
		return ScanSession{}, errs.Wrap(errs.KindStorage, "load scan session", err)
	}
	return sess, nil
}

func (s *Store) sessionExists(id string) error {
	if id == "" {
		return errs.New(errs.KindValidation, "detection requires a scan_session_id")
	}
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM scan_sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Newf(errs.KindValidation, "unknown scan_session_id %s", id)
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "check scan session", err)
	}
	return nil
}

// appendBatch inserts rows with a prepared statement inside one transaction.
func (s *Store) appendBatch(query string, n int, args func(i int) []any) error {
	err := writeRetry.Do(context.Background(), func(context.Context) error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for i := 0; i < n; i++ {
			if _, err := stmt.Exec(args(i)...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "append detections", err)
	}
	return nil
}

// AppendWifiDetections appends Wi-Fi sightings. All rows must belong to an
// existing scan session.
func (s *Store) AppendWifiDetections(batch []WifiDetection) error {
	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		if err := s.sessionExists(batch[i].ScanSessionID); err != nil {
			return err
		}
	}
	return s.appendBatch(`INSERT INTO wifi_detections
		(scan_session_id, detection_timestamp, bssid, ssid, channel, signal_dbm, encryption, lat, lon)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		len(batch), func(i int) []any {
			d := &batch[i]
			return []any{d.ScanSessionID, d.DetectionTimestamp, d.BSSID, d.SSID,
				d.Channel, d.SignalDBM, d.Encryption, d.Lat, d.Lon}
		})
}

// AppendBluetoothDetections appends Bluetooth sightings.
func (s *Store) AppendBluetoothDetections(batch []BluetoothDetection) error {
	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		if err := s.sessionExists(batch[i].ScanSessionID); err != nil {
			return err
		}
	}
	return s.appendBatch(`INSERT INTO bluetooth_detections
		(scan_session_id, detection_timestamp, mac, name, rssi, lat, lon)
		VALUES (?,?,?,?,?,?,?)`,
		len(batch), func(i int) []any {
			d := &batch[i]
			return []any{d.ScanSessionID, d.DetectionTimestamp, d.MAC, d.Name, d.RSSI, d.Lat, d.Lon}
		})
}

// AppendCellularDetections appends cell tower sightings.
func (s *Store) AppendCellularDetections(batch []CellularDetection) error {
	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		if err := s.sessionExists(batch[i].ScanSessionID); err != nil {
			return err
		}
	}
	return s.appendBatch(`INSERT INTO cellular_detections
		(scan_session_id, detection_timestamp, cell_id, mcc, mnc, band, signal_dbm, lat, lon)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		len(batch), func(i int) []any {
			d := &batch[i]
			return []any{d.ScanSessionID, d.DetectionTimestamp, d.CellID, d.MCC, d.MNC,
				d.Band, d.SignalDBM, d.Lat, d.Lon}
		})
}

// AppendGPSTrackPoints appends points of the movement track.
func (s *Store) AppendGPSTrackPoints(batch []GPSTrackPoint) error {
	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		if err := s.sessionExists(batch[i].ScanSessionID); err != nil {
			return err
		}
	}
	return s.appendBatch(`INSERT INTO gps_track_points
		(scan_session_id, detection_timestamp, lat, lon, speed_m_s, heading_deg)
		VALUES (?,?,?,?,?,?)`,
		len(batch), func(i int) []any {
			d := &batch[i]
			return []any{d.ScanSessionID, d.DetectionTimestamp, d.Lat, d.Lon, d.SpeedMS, d.HeadingDeg}
		})
}

// AppendNetworkFingerprints appends derived classification records.
func (s *Store) AppendNetworkFingerprints(batch []NetworkFingerprint) error {
	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		if err := s.sessionExists(batch[i].ScanSessionID); err != nil {
			return err
		}
	}
	return s.appendBatch(`INSERT INTO network_fingerprints
		(scan_session_id, detection_timestamp, bssid, fingerprint, confidence)
		VALUES (?,?,?,?,?)`,
		len(batch), func(i int) []any {
			d := &batch[i]
			return []any{d.ScanSessionID, d.DetectionTimestamp, d.BSSID, d.Fingerprint, d.Confidence}
		})
}

// AppendSuspiciousActivities appends anomaly records.
func (s *Store) AppendSuspiciousActivities(batch []SuspiciousActivity) error {
	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		if err := s.sessionExists(batch[i].ScanSessionID); err != nil {
			return err
		}
	}
	return s.appendBatch(`INSERT INTO suspicious_activities
		(scan_session_id, detection_timestamp, activity_type, detail_json)
		VALUES (?,?,?,?)`,
		len(batch), func(i int) []any {
			d := &batch[i]
			return []any{d.ScanSessionID, d.DetectionTimestamp, d.ActivityType, d.DetailJSON}
		})
}

// AppendNetworkAnalytics appends derived per-session metric samples.
func (s *Store) AppendNetworkAnalytics(batch []NetworkAnalyticsRow) error {
	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		if err := s.sessionExists(batch[i].ScanSessionID); err != nil {
			return err
		}
	}
	return s.appendBatch(`INSERT INTO network_analytics
		(scan_session_id, detection_timestamp, metric, value)
		VALUES (?,?,?,?)`,
		len(batch), func(i int) []any {
			d := &batch[i]
			return []any{d.ScanSessionID, d.DetectionTimestamp, d.Metric, d.Value}
		})
}

// RecentWifiDetections returns the latest n Wi-Fi sightings, newest first.
func (s *Store) RecentWifiDetections(n int) ([]WifiDetection, error) {
	rows, err := s.db.Query(`SELECT id, scan_session_id, detection_timestamp, bssid, ssid,
		channel, signal_dbm, encryption, lat, lon
		FROM wifi_detections ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "recent wifi detections", err)
	}
	defer rows.Close()

	var out []WifiDetection
	for rows.Next() {
		var d WifiDetection
		if err := rows.Scan(&d.ID, &d.ScanSessionID, &d.DetectionTimestamp, &d.BSSID, &d.SSID,
			&d.Channel, &d.SignalDBM, &d.Encryption, &d.Lat, &d.Lon); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan wifi detection", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GPSTrackRange returns track points within [start, end], ascending.
func (s *Store) GPSTrackRange(start, end string) ([]GPSTrackPoint, error) {
	rows, err := s.db.Query(`SELECT id, scan_session_id, detection_timestamp, lat, lon, speed_m_s, heading_deg
		FROM gps_track_points
		WHERE detection_timestamp >= ? AND detection_timestamp <= ?
		ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "gps track range", err)
	}
	defer rows.Close()

	var out []GPSTrackPoint
	for rows.Next() {
		var p GPSTrackPoint
		if err := rows.Scan(&p.ID, &p.ScanSessionID, &p.DetectionTimestamp,
			&p.Lat, &p.Lon, &p.SpeedMS, &p.HeadingDeg); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan track point", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeOldDetections deletes detection and track rows older than cutoff
// across all append-only tables. Returns total rows removed.
func (s *Store) PurgeOldDetections(cutoff string) (int64, error) {
	tables := []string{
		"wifi_detections", "bluetooth_detections", "cellular_detections",
		"gps_track_points", "network_fingerprints", "suspicious_activities",
		"network_analytics",
	}
	var total int64
	for _, table := range tables {
		err := writeRetry.Do(context.Background(), func(context.Context) error {
			res, err := s.db.Exec("DELETE FROM "+table+" WHERE detection_timestamp < ?", cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
			return nil
		})
		if err != nil {
			return total, errs.Wrap(errs.KindStorage, "purge "+table, err)
		}
	}
	return total, nil
}
