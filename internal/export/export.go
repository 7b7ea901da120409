// Package export renders stored records as CSV, JSON, or KML for offline
// analysis tooling.
package export

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/store"
)

// Format selects the output encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatKML  Format = "kml"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatKML:
		return FormatKML, nil
	default:
		return "", errs.Newf(errs.KindValidation, "unknown export format %q", s)
	}
}

// Health writes health records in the given format. KML does not apply to
// health data and is rejected.
func Health(w io.Writer, records []store.HealthRecord, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case FormatCSV:
		return healthCSV(w, records)
	case FormatKML:
		return errs.New(errs.KindValidation, "health records have no KML representation")
	default:
		return errs.Newf(errs.KindValidation, "unknown export format %q", f)
	}
}

func healthCSV(w io.Writer, records []store.HealthRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "cpu_temp_celsius", "cpu_percent", "mem_percent", "disk_percent"}); err != nil {
		return err
	}
	for i := range records {
		r := &records[i]
		row := []string{
			r.Timestamp,
			optFloat(r.CPUTemp),
			optFloat(r.CPUPercent),
			optFloat(r.MemPercent),
			optFloat(r.DiskPercent),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Track writes GPS track points in the given format.
func Track(w io.Writer, points []store.GPSTrackPoint, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(points)
	case FormatCSV:
		return trackCSV(w, points)
	case FormatKML:
		return trackKML(w, points)
	default:
		return errs.Newf(errs.KindValidation, "unknown export format %q", f)
	}
}

func trackCSV(w io.Writer, points []store.GPSTrackPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "lat", "lon", "speed_m_s", "heading_deg"}); err != nil {
		return err
	}
	for i := range points {
		p := &points[i]
		row := []string{
			p.DetectionTimestamp,
			strconv.FormatFloat(p.Lat, 'f', -1, 64),
			strconv.FormatFloat(p.Lon, 'f', -1, 64),
			optFloat(p.SpeedMS),
			optFloat(p.HeadingDeg),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type kmlDocument struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  struct {
		Name      string `xml:"name"`
		Placemark struct {
			Name       string `xml:"name"`
			LineString struct {
				Coordinates string `xml:"coordinates"`
			} `xml:"LineString"`
		} `xml:"Placemark"`
	} `xml:"Document"`
}

func trackKML(w io.Writer, points []store.GPSTrackPoint) error {
	var coords strings.Builder
	for i := range points {
		p := &points[i]
		fmt.Fprintf(&coords, "%s,%s,0\n",
			strconv.FormatFloat(p.Lon, 'f', -1, 64),
			strconv.FormatFloat(p.Lat, 'f', -1, 64))
	}

	doc := kmlDocument{Namespace: "http://www.opengis.net/kml/2.2"}
	doc.Document.Name = "piwardrive track"
	doc.Document.Placemark.Name = "gps_track"
	doc.Document.Placemark.LineString.Coordinates = coords.String()

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(doc)
}
