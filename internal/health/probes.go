package health

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Probes reads host telemetry from the kernel interfaces. Paths are fields
// so tests can point them at fixtures. Every reader degrades to nil when its
// source is missing or malformed; a headless box without a thermal zone
// still produces a usable sample.
type Probes struct {
	ThermalPath string // milli-celsius, one integer
	StatPath    string // /proc/stat
	MeminfoPath string // /proc/meminfo
	NetDevPath  string // /proc/net/dev
	DiskMount   string // mount point for disk usage

	mu       sync.Mutex
	prevCPU  *cpuSample
	prevNet  *netSample
	statfs   func(path string, buf *unix.Statfs_t) error
}

// NewProbes returns probes wired to the standard Linux paths.
func NewProbes() *Probes {
	return &Probes{
		ThermalPath: "/sys/class/thermal/thermal_zone0/temp",
		StatPath:    "/proc/stat",
		MeminfoPath: "/proc/meminfo",
		NetDevPath:  "/proc/net/dev",
		DiskMount:   "/",
		statfs:      unix.Statfs,
	}
}

// CPUTemp returns the SoC temperature in celsius, or nil.
func (p *Probes) CPUTemp() *float64 {
	raw, err := os.ReadFile(p.ThermalPath)
	if err != nil {
		return nil
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return nil
	}
	v := float64(milli) / 1000.0
	return &v
}

type cpuSample struct {
	busy, total uint64
}

var cpuLineRE = regexp.MustCompile(`^cpu\s+(.+)$`)

// CPUPercent returns aggregate CPU utilisation since the previous call.
// The first call primes the counters and returns nil.
func (p *Probes) CPUPercent() *float64 {
	raw, err := os.ReadFile(p.StatPath)
	if err != nil {
		return nil
	}
	cur, err := parseCPULine(string(raw))
	if err != nil {
		return nil
	}

	p.mu.Lock()
	prev := p.prevCPU
	p.prevCPU = cur
	p.mu.Unlock()

	if prev == nil || cur.total <= prev.total {
		return nil
	}
	pct := 100.0 * float64(cur.busy-prev.busy) / float64(cur.total-prev.total)
	if pct < 0 {
		return nil
	}
	if pct > 100 {
		pct = 100
	}
	return &pct
}

func parseCPULine(stat string) (*cpuSample, error) {
	for _, line := range strings.Split(stat, "\n") {
		m := cpuLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fields := strings.Fields(m[1])
		if len(fields) < 4 {
			return nil, fmt.Errorf("short cpu line: %q", line)
		}
		var vals []uint64
		for _, f := range fields {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cpu field %q: %w", f, err)
			}
			vals = append(vals, v)
		}
		var total uint64
		for _, v := range vals {
			total += v
		}
		idle := vals[3] // idle
		if len(vals) > 4 {
			idle += vals[4] // iowait
		}
		return &cpuSample{busy: total - idle, total: total}, nil
	}
	return nil, fmt.Errorf("no cpu line in stat")
}

var (
	memTotalRE = regexp.MustCompile(`(?m)^MemTotal:\s+(\d+) kB$`)
	memAvailRE = regexp.MustCompile(`(?m)^MemAvailable:\s+(\d+) kB$`)
)

// MemPercent returns used-memory percentage from MemTotal/MemAvailable.
func (p *Probes) MemPercent() *float64 {
	raw, err := os.ReadFile(p.MeminfoPath)
	if err != nil {
		return nil
	}
	total := matchUint(memTotalRE, raw)
	avail := matchUint(memAvailRE, raw)
	if total == nil || avail == nil || *total == 0 || *avail > *total {
		return nil
	}
	pct := 100.0 * float64(*total-*avail) / float64(*total)
	return &pct
}

func matchUint(re *regexp.Regexp, raw []byte) *uint64 {
	m := re.FindSubmatch(raw)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseUint(string(m[1]), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// DiskPercent returns used-space percentage of the configured mount.
func (p *Probes) DiskPercent() *float64 {
	var st unix.Statfs_t
	if err := p.statfs(p.DiskMount, &st); err != nil {
		return nil
	}
	used := st.Blocks - st.Bfree
	usable := used + st.Bavail
	if usable == 0 {
		return nil
	}
	pct := 100.0 * float64(used) / float64(usable)
	return &pct
}

type netSample struct {
	rx, tx uint64
	at     time.Time
}

// NetThroughput returns aggregate receive/transmit rates in bytes per
// second across all interfaces except loopback, computed from the delta to
// the previous call. The first call primes the counters and returns nils.
func (p *Probes) NetThroughput() (rxBps, txBps *float64) {
	raw, err := os.ReadFile(p.NetDevPath)
	if err != nil {
		return nil, nil
	}
	cur, err := parseNetDev(string(raw))
	if err != nil {
		return nil, nil
	}
	cur.at = time.Now()

	p.mu.Lock()
	prev := p.prevNet
	p.prevNet = cur
	p.mu.Unlock()

	if prev == nil {
		return nil, nil
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 || cur.rx < prev.rx || cur.tx < prev.tx {
		return nil, nil
	}
	rx := float64(cur.rx-prev.rx) / dt
	tx := float64(cur.tx-prev.tx) / dt
	return &rx, &tx
}

func parseNetDev(content string) (*netSample, error) {
	s := &netSample{}
	seen := false
	for _, line := range strings.Split(content, "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		iface := strings.TrimSpace(name)
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		// rx bytes is field 0, tx bytes is field 8.
		if len(fields) < 9 {
			return nil, fmt.Errorf("short net dev line: %q", line)
		}
		rx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rx bytes %q: %w", fields[0], err)
		}
		tx, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tx bytes %q: %w", fields[8], err)
		}
		s.rx += rx
		s.tx += tx
		seen = true
	}
	if !seen {
		return nil, fmt.Errorf("no interfaces in net dev")
	}
	return s, nil
}
