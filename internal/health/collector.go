// Package health samples host telemetry, watches companion services through
// circuit breakers, raises threshold alerts, and feeds the persistence
// store and the event bus.
package health

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/piwardrive/piwardrive/internal/bus"
	"github.com/piwardrive/piwardrive/internal/config"
	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/store"
)

// consecutiveAlertSamples is how many samples in a row must breach a
// threshold before an alert fires.
const consecutiveAlertSamples = 3

// Status is the live system snapshot served by the status API and pushed on
// the status topic.
type Status struct {
	Timestamp   string             `json:"timestamp"`
	CPUTemp     *float64           `json:"cpu_temp_celsius,omitempty"`
	CPUPercent  *float64           `json:"cpu_percent,omitempty"`
	MemPercent  *float64           `json:"mem_percent,omitempty"`
	DiskPercent *float64           `json:"disk_percent,omitempty"`
	NetRxBps    *float64           `json:"net_rx_bps,omitempty"`
	NetTxBps    *float64           `json:"net_tx_bps,omitempty"`
	Services    map[string]Service `json:"services,omitempty"`
}

// Service is one companion unit's probe result.
type Service struct {
	Active  bool         `json:"active"`
	Breaker BreakerState `json:"breaker"`
}

// Alert describes a sustained threshold breach.
type Alert struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Samples   int     `json:"samples"`
}

// ServiceChecker probes whether a unit is running.
type ServiceChecker interface {
	IsActive(ctx context.Context, unit string) (bool, error)
}

// HealthSaver persists samples.
type HealthSaver interface {
	SaveHealth(rec store.HealthRecord) error
}

// Collector gathers one sample per tick.
type Collector struct {
	probes     *Probes
	saver      HealthSaver
	bus        *bus.Bus
	svc        ServiceChecker
	cfg        func() *config.Config
	units      []string
	healthFile string

	mu       sync.Mutex
	breakers map[string]*Breaker
	services map[string]Service // last known probe results
	streaks  map[string]int     // consecutive breach counts per metric
	alerted  map[string]bool    // alert already raised for the current streak
	last     *Status
}

// Options wires a collector.
type Options struct {
	Probes  *Probes
	Saver   HealthSaver
	Bus     *bus.Bus
	Service ServiceChecker
	Config  func() *config.Config
	Units   []string
	// HealthFile, when set, overrides live probing for snapshots: the
	// status is read from this JSON file instead.
	HealthFile string
}

// NewCollector builds a collector; nil Probes defaults to the host paths.
func NewCollector(opts Options) *Collector {
	if opts.Probes == nil {
		opts.Probes = NewProbes()
	}
	c := &Collector{
		probes:     opts.Probes,
		saver:      opts.Saver,
		bus:        opts.Bus,
		svc:        opts.Service,
		cfg:        opts.Config,
		units:      opts.Units,
		healthFile: opts.HealthFile,
		breakers:   make(map[string]*Breaker),
		services:   make(map[string]Service),
		streaks:    make(map[string]int),
		alerted:    make(map[string]bool),
	}
	for _, u := range opts.Units {
		c.breakers[u] = NewBreaker()
	}
	return c
}

// Tick takes one sample: probes the host, checks services, persists the
// record, evaluates alerts, and publishes the snapshot. Designed to run as
// a scheduler job.
func (c *Collector) Tick(ctx context.Context) error {
	st := c.sample(ctx)

	c.mu.Lock()
	c.last = &st
	c.mu.Unlock()

	if c.saver != nil {
		rec := store.HealthRecord{
			Timestamp:   st.Timestamp,
			CPUTemp:     st.CPUTemp,
			CPUPercent:  st.CPUPercent,
			MemPercent:  st.MemPercent,
			DiskPercent: st.DiskPercent,
		}
		if err := c.saver.SaveHealth(rec); err != nil {
			log.Printf("[health] save sample: %v", err)
		}
	}

	c.evaluateAlerts(&st)

	if c.bus != nil {
		c.bus.Publish(bus.TopicStatus, st)
	}
	return nil
}

func (c *Collector) sample(ctx context.Context) Status {
	rx, tx := c.probes.NetThroughput()
	st := Status{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		CPUTemp:     c.probes.CPUTemp(),
		CPUPercent:  c.probes.CPUPercent(),
		MemPercent:  c.probes.MemPercent(),
		DiskPercent: c.probes.DiskPercent(),
		NetRxBps:    rx,
		NetTxBps:    tx,
		Services:    make(map[string]Service, len(c.units)),
	}

	for _, unit := range c.units {
		c.mu.Lock()
		br := c.breakers[unit]
		prev, hasPrev := c.services[unit]
		c.mu.Unlock()

		var svc Service
		if br.Allow() {
			active, err := c.svc.IsActive(ctx, unit)
			br.Record(err == nil)
			if err != nil {
				log.Printf("[health] probe %s: %v", unit, err)
				active = prev.Active && hasPrev
			}
			svc = Service{Active: active, Breaker: br.State()}
		} else {
			// Circuit open: reuse the last observation.
			svc = Service{Active: prev.Active, Breaker: br.State()}
		}

		c.mu.Lock()
		c.services[unit] = svc
		c.mu.Unlock()
		st.Services[unit] = svc
	}
	return st
}

// evaluateAlerts raises one alert per metric per sustained breach.
func (c *Collector) evaluateAlerts(st *Status) {
	if c.cfg == nil {
		return
	}
	cfg := c.cfg()
	need := cfg.Alerts.ConsecutiveSamples
	if need <= 0 {
		need = consecutiveAlertSamples
	}
	checks := []struct {
		metric    string
		value     *float64
		threshold float64
	}{
		{"cpu_temp_celsius", st.CPUTemp, cfg.Alerts.CPUTempCelsius},
		{"mem_percent", st.MemPercent, cfg.Alerts.MemPercent},
		{"disk_percent", st.DiskPercent, cfg.Alerts.DiskPercent},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chk := range checks {
		if chk.value == nil || chk.threshold <= 0 {
			continue
		}
		if *chk.value < chk.threshold {
			c.streaks[chk.metric] = 0
			c.alerted[chk.metric] = false
			continue
		}
		c.streaks[chk.metric]++
		if c.streaks[chk.metric] >= need && !c.alerted[chk.metric] {
			c.alerted[chk.metric] = true
			alert := Alert{
				Metric:    chk.metric,
				Value:     *chk.value,
				Threshold: chk.threshold,
				Samples:   c.streaks[chk.metric],
			}
			log.Printf("[health] alert: %s %.1f over threshold %.1f", alert.Metric, alert.Value, alert.Threshold)
			if c.bus != nil {
				c.bus.Publish(bus.TopicAlerts, alert)
			}
		}
	}
}

// Snapshot returns the last collected sample, or a bare timestamp before
// the first tick.
func (c *Collector) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Status{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	}
	return *c.last
}

// FileSnapshot reads the health file override and returns its contents
// untouched, so whatever document the operator staged there (object or
// array) is what the status API serves. Returns nil without an override;
// an unreadable or malformed file is a storage error.
func (c *Collector) FileSnapshot() (json.RawMessage, error) {
	if c.healthFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.healthFile)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "read health file", err)
	}
	if !json.Valid(raw) {
		return nil, errs.Newf(errs.KindStorage, "health file %s is not valid JSON", c.healthFile)
	}
	return raw, nil
}

// BreakerStates exposes circuit states for the status API.
func (c *Collector) BreakerStates() map[string]BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]BreakerState, len(c.breakers))
	for unit, br := range c.breakers {
		out[unit] = br.State()
	}
	return out
}
