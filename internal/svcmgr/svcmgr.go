// Package svcmgr controls the companion systemd units (kismet, bettercap,
// gpsd). Unit names and actions are allow-listed; anything else is rejected
// before a process is spawned.
package svcmgr

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/piwardrive/piwardrive/internal/errs"
)

// Action is a permitted systemctl verb.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

var allowedActions = map[Action]bool{
	ActionStart:   true,
	ActionStop:    true,
	ActionRestart: true,
}

// Manager shells out to systemctl for an allow-listed set of units.
type Manager struct {
	units   map[string]bool
	timeout time.Duration

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) (stdout string, err error)
}

// New creates a manager for the given unit names.
func New(units []string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m := &Manager{
		units:   make(map[string]bool, len(units)),
		timeout: timeout,
	}
	for _, u := range units {
		m.units[u] = true
	}
	m.runCommand = runSystemctl
	return m
}

func runSystemctl(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func (m *Manager) check(unit string, action Action) error {
	if !m.units[unit] {
		return errs.Newf(errs.KindValidation, "unit %q is not managed", unit)
	}
	if !allowedActions[action] {
		return errs.Newf(errs.KindValidation, "action %q is not allowed", action)
	}
	return nil
}

// Apply runs the action against the unit.
func (m *Manager) Apply(ctx context.Context, unit string, action Action) error {
	if err := m.check(unit, action); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.runCommand(ctx, "systemctl", string(action), unit)
	if err != nil {
		return errs.Wrap(errs.KindInternal,
			fmt.Sprintf("systemctl %s %s: %s", action, unit, strings.TrimSpace(out)), err)
	}
	log.Printf("[svcmgr] %s %s", action, unit)
	return nil
}

// IsActive reports whether the unit is running. Unknown units error;
// systemctl failures report inactive (is-active exits nonzero for inactive
// units, so the exit code is not a transport error).
func (m *Manager) IsActive(ctx context.Context, unit string) (bool, error) {
	if !m.units[unit] {
		return false, errs.Newf(errs.KindValidation, "unit %q is not managed", unit)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, _ := m.runCommand(ctx, "systemctl", "is-active", unit)
	return strings.TrimSpace(out) == "active", nil
}

// Units returns the managed unit names.
func (m *Manager) Units() []string {
	out := make([]string, 0, len(m.units))
	for u := range m.units {
		out = append(out, u)
	}
	return out
}
