package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/store"
)

func f64(v float64) *float64 { return &v }

func TestHealthCSV(t *testing.T) {
	records := []store.HealthRecord{
		{Timestamp: "2026-08-24T10:00:00Z", CPUTemp: f64(55.5), CPUPercent: f64(10)},
		{Timestamp: "2026-08-24T10:00:10Z"},
	}

	var buf bytes.Buffer
	if err := Health(&buf, records, FormatCSV); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 rows", len(lines))
	}
	if lines[0] != "timestamp,cpu_temp_celsius,cpu_percent,mem_percent,disk_percent" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "2026-08-24T10:00:00Z,55.5,10,," {
		t.Errorf("row = %q", lines[1])
	}
	if lines[2] != "2026-08-24T10:00:10Z,,,," {
		t.Errorf("empty-sensor row = %q", lines[2])
	}
}

func TestHealthJSONRoundTrip(t *testing.T) {
	records := []store.HealthRecord{{Timestamp: "2026-08-24T10:00:00Z", MemPercent: f64(40)}}
	var buf bytes.Buffer
	if err := Health(&buf, records, FormatJSON); err != nil {
		t.Fatalf("export: %v", err)
	}
	var got []store.HealthRecord
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].MemPercent == nil || *got[0].MemPercent != 40 {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestHealthKMLRejected(t *testing.T) {
	err := Health(&bytes.Buffer{}, nil, FormatKML)
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("kind = %v, want validation", errs.KindOf(err))
	}
}

func TestTrackKML(t *testing.T) {
	points := []store.GPSTrackPoint{
		{DetectionTimestamp: "2026-08-24T10:00:00Z", Lat: 48.137, Lon: 11.575},
		{DetectionTimestamp: "2026-08-24T10:00:10Z", Lat: 48.138, Lon: 11.576},
	}
	var buf bytes.Buffer
	if err := Track(&buf, points, FormatKML); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "<kml") || !strings.Contains(out, "LineString") {
		t.Errorf("output missing KML structure:\n%s", out)
	}
	// KML coordinates are lon,lat ordered.
	if !strings.Contains(out, "11.575,48.137,0") {
		t.Errorf("output missing lon,lat coordinate:\n%s", out)
	}
}

func TestParseFormat(t *testing.T) {
	for _, ok := range []string{"csv", "JSON", "kml"} {
		if _, err := ParseFormat(ok); err != nil {
			t.Errorf("ParseFormat(%q) = %v", ok, err)
		}
	}
	if _, err := ParseFormat("xlsx"); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("kind = %v, want validation", errs.KindOf(err))
	}
}
