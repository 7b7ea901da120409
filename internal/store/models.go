package store

// HealthRecord is one immutable host-telemetry sample. Optional fields are
// pointers so absent sensors round-trip as SQL NULL.
type HealthRecord struct {
	ID          int64    `json:"id,omitempty"`
	Timestamp   string   `json:"timestamp"` // RFC3339, UTC
	CPUTemp     *float64 `json:"cpu_temp_celsius,omitempty"`
	CPUPercent  *float64 `json:"cpu_percent,omitempty"`
	MemPercent  *float64 `json:"mem_percent,omitempty"`
	DiskPercent *float64 `json:"disk_percent,omitempty"`
}

// AppState is the singleton UI state row (id=1, upsert semantics).
type AppState struct {
	LastScreen string `json:"last_screen"`
	LastStart  string `json:"last_start"`
	FirstRun   bool   `json:"first_run"`
}

// Fingerprint is a known access point, unique by BSSID. FirstSeen is
// immutable; LastSeen advances on every sighting.
type Fingerprint struct {
	BSSID     string `json:"bssid"`
	SSID      string `json:"ssid"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// ScanSession groups detection records produced by one scanner run.
type ScanSession struct {
	ID        string  `json:"id"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	ScanType  string  `json:"scan_type"`
	Notes     string  `json:"notes"`
}

// WifiDetection is an append-only Wi-Fi sighting.
type WifiDetection struct {
	ID                 int64    `json:"id,omitempty"`
	ScanSessionID      string   `json:"scan_session_id"`
	DetectionTimestamp string   `json:"detection_timestamp"`
	BSSID              string   `json:"bssid"`
	SSID               string   `json:"ssid"`
	Channel            *int64   `json:"channel,omitempty"`
	SignalDBM          *float64 `json:"signal_dbm,omitempty"`
	Encryption         string   `json:"encryption"`
	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
}

// BluetoothDetection is an append-only Bluetooth sighting.
type BluetoothDetection struct {
	ID                 int64    `json:"id,omitempty"`
	ScanSessionID      string   `json:"scan_session_id"`
	DetectionTimestamp string   `json:"detection_timestamp"`
	MAC                string   `json:"mac"`
	Name               string   `json:"name"`
	RSSI               *float64 `json:"rssi,omitempty"`
	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
}

// CellularDetection is an append-only cell tower sighting.
type CellularDetection struct {
	ID                 int64    `json:"id,omitempty"`
	ScanSessionID      string   `json:"scan_session_id"`
	DetectionTimestamp string   `json:"detection_timestamp"`
	CellID             string   `json:"cell_id"`
	MCC                string   `json:"mcc"`
	MNC                string   `json:"mnc"`
	Band               string   `json:"band"`
	SignalDBM          *float64 `json:"signal_dbm,omitempty"`
	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
}

// GPSTrackPoint is one point of the recorded movement track.
type GPSTrackPoint struct {
	ID                 int64    `json:"id,omitempty"`
	ScanSessionID      string   `json:"scan_session_id"`
	DetectionTimestamp string   `json:"detection_timestamp"`
	Lat                float64  `json:"lat"`
	Lon                float64  `json:"lon"`
	SpeedMS            *float64 `json:"speed_m_s,omitempty"`
	HeadingDeg         *float64 `json:"heading_deg,omitempty"`
}

// NetworkFingerprint is a derived device/network classification record.
type NetworkFingerprint struct {
	ID                 int64   `json:"id,omitempty"`
	ScanSessionID      string  `json:"scan_session_id"`
	DetectionTimestamp string  `json:"detection_timestamp"`
	BSSID              string  `json:"bssid"`
	Fingerprint        string  `json:"fingerprint"`
	Confidence         float64 `json:"confidence"`
}

// SuspiciousActivity flags an anomalous observation for operator review.
type SuspiciousActivity struct {
	ID                 int64  `json:"id,omitempty"`
	ScanSessionID      string `json:"scan_session_id"`
	DetectionTimestamp string `json:"detection_timestamp"`
	ActivityType       string `json:"activity_type"`
	DetailJSON         string `json:"detail_json"`
}

// NetworkAnalyticsRow is a derived per-session metric sample.
type NetworkAnalyticsRow struct {
	ID                 int64   `json:"id,omitempty"`
	ScanSessionID      string  `json:"scan_session_id"`
	DetectionTimestamp string  `json:"detection_timestamp"`
	Metric             string  `json:"metric"`
	Value              float64 `json:"value"`
}
