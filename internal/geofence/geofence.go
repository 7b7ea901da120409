// Package geofence watches the GPS track against operator-defined polygons
// loaded from $PW_HOME/geofences.yaml and publishes enter/exit events.
package geofence

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/piwardrive/piwardrive/internal/bus"
	"github.com/piwardrive/piwardrive/internal/errs"
)

// Point is one polygon vertex.
type Point struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lon float64 `yaml:"lon" json:"lon"`
}

// Fence is a named polygon. The optional messages are surfaced to the
// operator with the matching boundary event.
type Fence struct {
	Name         string  `yaml:"name" json:"name"`
	Polygon      []Point `yaml:"polygon" json:"polygon"`
	EnterMessage string  `yaml:"enter_message,omitempty" json:"enter_message,omitempty"`
	ExitMessage  string  `yaml:"exit_message,omitempty" json:"exit_message,omitempty"`
}

type fenceFile struct {
	Fences []Fence `yaml:"fences"`
}

// Event is published when the device crosses a fence boundary. Message is
// the fence's configured enter or exit text, empty when none is set.
type Event struct {
	Fence   string  `json:"fence"`
	Kind    string  `json:"kind"` // "enter" or "exit"
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Message string  `json:"message,omitempty"`
}

// Watcher tracks which fences currently contain the device.
type Watcher struct {
	bus *bus.Bus

	mu     sync.Mutex
	fences []Fence
	inside map[string]bool
}

// Load reads the fence file. A missing file yields an empty watcher; a
// malformed file or a degenerate polygon is a configuration error.
func Load(path string, b *bus.Bus) (*Watcher, error) {
	w := &Watcher{bus: b, inside: make(map[string]bool)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "read geofences", err)
	}

	var f fenceFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "parse geofences", err)
	}
	for _, fence := range f.Fences {
		if fence.Name == "" {
			return nil, errs.New(errs.KindConfiguration, "geofence without a name")
		}
		if len(fence.Polygon) < 3 {
			return nil, errs.Newf(errs.KindConfiguration,
				"geofence %q needs at least 3 vertices, has %d", fence.Name, len(fence.Polygon))
		}
	}
	w.fences = f.Fences
	return w, nil
}

// Fences returns the loaded fence definitions.
func (w *Watcher) Fences() []Fence {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Fence(nil), w.fences...)
}

// Update feeds a position fix. Boundary crossings publish one event per
// fence per transition; staying on one side is silent.
func (w *Watcher) Update(lat, lon float64) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []Event
	for _, fence := range w.fences {
		now := containsPoint(fence.Polygon, lat, lon)
		was := w.inside[fence.Name]
		if now == was {
			continue
		}
		w.inside[fence.Name] = now
		kind := "exit"
		message := fence.ExitMessage
		if now {
			kind = "enter"
			message = fence.EnterMessage
		}
		ev := Event{Fence: fence.Name, Kind: kind, Lat: lat, Lon: lon, Message: message}
		events = append(events, ev)
		if w.bus != nil {
			w.bus.Publish(bus.TopicGeofence, ev)
		}
	}
	return events
}

// containsPoint is the even-odd ray cast over the polygon edges.
func containsPoint(poly []Point, lat, lon float64) bool {
	inside := false
	n := len(poly)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > lat) != (pj.Lat > lat) {
			crossLon := (pj.Lon-pi.Lon)*(lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lon
			if lon < crossLon {
				inside = !inside
			}
		}
	}
	return inside
}

// String describes an event for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s %s at (%.5f, %.5f)", e.Kind, e.Fence, e.Lat, e.Lon)
}
