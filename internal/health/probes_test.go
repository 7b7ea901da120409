package health

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestCPUTemp(t *testing.T) {
	p := &Probes{ThermalPath: writeFixture(t, "temp", "54321\n")}
	got := p.CPUTemp()
	if got == nil || *got != 54.321 {
		t.Fatalf("temp = %v, want 54.321", got)
	}
}

func TestCPUTempMissingSensor(t *testing.T) {
	p := &Probes{ThermalPath: "/does/not/exist"}
	if got := p.CPUTemp(); got != nil {
		t.Fatalf("temp = %v, want nil", got)
	}
}

func TestCPUPercentDelta(t *testing.T) {
	// 1000 total jiffies, 400 idle.
	first := "cpu  300 100 200 350 50 0 0 0 0 0\ncpu0 1 2 3 4 5 6 7 8 9 10\n"
	// +1000 jiffies, of which 250 idle+iowait: 75% busy.
	second := "cpu  700 250 400 600 50 0 0 0 0 0\ncpu0 1 2 3 4 5 6 7 8 9 10\n"

	p := &Probes{StatPath: writeFixture(t, "stat", first)}
	if got := p.CPUPercent(); got != nil {
		t.Fatalf("first sample = %v, want nil (primes the counters)", got)
	}

	if err := os.WriteFile(p.StatPath, []byte(second), 0o644); err != nil {
		t.Fatalf("rewrite stat: %v", err)
	}
	got := p.CPUPercent()
	if got == nil {
		t.Fatal("second sample = nil, want a percentage")
	}
	if *got < 74.9 || *got > 75.1 {
		t.Fatalf("cpu percent = %v, want ~75", *got)
	}
}

func TestMemPercent(t *testing.T) {
	meminfo := "MemTotal:        4000000 kB\nMemFree:          500000 kB\nMemAvailable:    1000000 kB\n"
	p := &Probes{MeminfoPath: writeFixture(t, "meminfo", meminfo)}
	got := p.MemPercent()
	if got == nil || *got != 75.0 {
		t.Fatalf("mem percent = %v, want 75", got)
	}
}

func TestMemPercentMalformed(t *testing.T) {
	p := &Probes{MeminfoPath: writeFixture(t, "meminfo", "garbage\n")}
	if got := p.MemPercent(); got != nil {
		t.Fatalf("mem percent = %v, want nil", got)
	}
}

func TestDiskPercent(t *testing.T) {
	p := &Probes{
		DiskMount: "/",
		statfs: func(_ string, buf *unix.Statfs_t) error {
			buf.Blocks = 1000
			buf.Bfree = 300
			buf.Bavail = 300 // 700 used of 1000 usable
			return nil
		},
	}
	got := p.DiskPercent()
	if got == nil || *got != 70.0 {
		t.Fatalf("disk percent = %v, want 70", got)
	}
}

func TestNetThroughputDelta(t *testing.T) {
	header := "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"
	first := header +
		"    lo: 999999    100    0    0    0     0          0         0   999999     100    0    0    0     0       0          0\n" +
		"  wlan0: 1000    10    0    0    0     0          0         0   2000      20    0    0    0     0       0          0\n"
	second := header +
		"    lo: 999999    100    0    0    0     0          0         0   999999     100    0    0    0     0       0          0\n" +
		"  wlan0: 5000    50    0    0    0     0          0         0   4000      40    0    0    0     0       0          0\n"

	p := &Probes{NetDevPath: writeFixture(t, "netdev", first)}
	rx, tx := p.NetThroughput()
	if rx != nil || tx != nil {
		t.Fatalf("first sample = (%v, %v), want nils", rx, tx)
	}

	if err := os.WriteFile(p.NetDevPath, []byte(second), 0o644); err != nil {
		t.Fatalf("rewrite netdev: %v", err)
	}
	rx, tx = p.NetThroughput()
	if rx == nil || tx == nil {
		t.Fatal("second sample = nil, want rates")
	}
	// Loopback is excluded, so deltas are 4000 rx and 2000 tx bytes over
	// the elapsed wall time; just check the 2:1 ratio and positivity.
	if *rx <= 0 || *tx <= 0 {
		t.Fatalf("rates = (%v, %v), want positive", *rx, *tx)
	}
	ratio := *rx / *tx
	if ratio < 1.9 || ratio > 2.1 {
		t.Fatalf("rx/tx ratio = %v, want ~2", ratio)
	}
}
