package svcmgr

import (
	"context"
	"testing"
	"time"

	"github.com/piwardrive/piwardrive/internal/errs"
)

func TestApplyRejectsUnknownUnit(t *testing.T) {
	m := New([]string{"kismet"}, time.Second)
	m.runCommand = func(context.Context, string, ...string) (string, error) {
		t.Fatal("command ran for an unmanaged unit")
		return "", nil
	}

	err := m.Apply(context.Background(), "sshd", ActionRestart)
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("kind = %v, want validation", errs.KindOf(err))
	}
}

func TestApplyRejectsUnknownAction(t *testing.T) {
	m := New([]string{"kismet"}, time.Second)
	m.runCommand = func(context.Context, string, ...string) (string, error) {
		t.Fatal("command ran for a disallowed action")
		return "", nil
	}

	err := m.Apply(context.Background(), "kismet", Action("mask"))
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("kind = %v, want validation", errs.KindOf(err))
	}
}

func TestApplyRunsSystemctl(t *testing.T) {
	m := New([]string{"kismet", "gpsd"}, time.Second)
	var gotName string
	var gotArgs []string
	m.runCommand = func(_ context.Context, name string, args ...string) (string, error) {
		gotName = name
		gotArgs = args
		return "", nil
	}

	if err := m.Apply(context.Background(), "gpsd", ActionRestart); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if gotName != "systemctl" {
		t.Errorf("command = %q, want systemctl", gotName)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "restart" || gotArgs[1] != "gpsd" {
		t.Errorf("args = %v, want [restart gpsd]", gotArgs)
	}
}

func TestIsActive(t *testing.T) {
	m := New([]string{"bettercap"}, time.Second)
	m.runCommand = func(context.Context, string, ...string) (string, error) {
		return "active\n", nil
	}

	active, err := m.IsActive(context.Background(), "bettercap")
	if err != nil {
		t.Fatalf("is-active: %v", err)
	}
	if !active {
		t.Error("active = false, want true")
	}

	m.runCommand = func(context.Context, string, ...string) (string, error) {
		return "inactive\n", nil
	}
	active, err = m.IsActive(context.Background(), "bettercap")
	if err != nil {
		t.Fatalf("is-active: %v", err)
	}
	if active {
		t.Error("active = true, want false")
	}
}
