// Package widget is the static dashboard widget registry. Widgets compute
// their values from the live status snapshot; the config document decides
// which are enabled.
package widget

import (
	"sort"

	"github.com/piwardrive/piwardrive/internal/health"
)

// Widget names one dashboard tile and how to compute its value.
type Widget struct {
	Name     string
	Snapshot func(st health.Status) any
}

// Registry holds the known widgets. The set is fixed at startup; enablement
// is a config concern.
type Registry struct {
	widgets map[string]Widget
}

// NewRegistry builds the standard widget set.
func NewRegistry() *Registry {
	r := &Registry{widgets: make(map[string]Widget)}
	for _, w := range []Widget{
		{Name: "cpu_temp", Snapshot: func(st health.Status) any { return st.CPUTemp }},
		{Name: "cpu_percent", Snapshot: func(st health.Status) any { return st.CPUPercent }},
		{Name: "mem_percent", Snapshot: func(st health.Status) any { return st.MemPercent }},
		{Name: "disk_percent", Snapshot: func(st health.Status) any { return st.DiskPercent }},
		{Name: "net_throughput", Snapshot: func(st health.Status) any {
			return map[string]*float64{"rx_bps": st.NetRxBps, "tx_bps": st.NetTxBps}
		}},
		{Name: "service_status", Snapshot: func(st health.Status) any { return st.Services }},
	} {
		r.widgets[w.Name] = w
	}
	return r
}

// Register adds or replaces a widget; used for widgets whose values come
// from collaborators other than the health collector.
func (r *Registry) Register(w Widget) {
	r.widgets[w.Name] = w
}

// Names returns all registered widget names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.widgets))
	for name := range r.widgets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values computes the value of every enabled widget from the snapshot.
// Widgets missing from enabled are treated as off.
func (r *Registry) Values(st health.Status, enabled map[string]bool) map[string]any {
	out := make(map[string]any)
	for name, w := range r.widgets {
		if !enabled[name] {
			continue
		}
		out[name] = w.Snapshot(st)
	}
	return out
}
