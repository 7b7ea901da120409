// Package logrotate rotates the appliance's log files on a cron schedule
// and bundles them for export.
package logrotate

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/piwardrive/piwardrive/internal/errs"
)

// Rotator renames each configured log aside with a timestamp suffix and
// trims old archives beyond the configured count.
type Rotator struct {
	paths    func() []string // allow-listed log paths, read per rotation
	archives func() int

	mu   sync.Mutex
	cron *cron.Cron
	now  func() time.Time
}

// New creates a rotator. paths and archives are read at each rotation so
// config updates apply without restart.
func New(paths func() []string, archives func() int) *Rotator {
	return &Rotator{paths: paths, archives: archives, now: time.Now}
}

// Start schedules rotation with the given cron expression.
func (r *Rotator) Start(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return errs.Wrap(errs.KindConfiguration, "log rotate schedule", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		r.cron.Stop()
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(schedule, func() {
		if err := r.RotateNow(); err != nil {
			log.Printf("[logrotate] rotation: %v", err)
		}
	}); err != nil {
		return errs.Wrap(errs.KindConfiguration, "schedule log rotation", err)
	}
	r.cron.Start()
	log.Printf("[logrotate] scheduled %q", schedule)
	return nil
}

// Stop cancels the schedule.
func (r *Rotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
}

// RotateNow rotates every configured log once. Missing logs are skipped.
func (r *Rotator) RotateNow() error {
	stamp := r.now().UTC().Format("20060102-150405")
	var firstErr error
	for _, path := range r.paths() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		rotated := fmt.Sprintf("%s.%s", path, stamp)
		if err := os.Rename(path, rotated); err != nil {
			log.Printf("[logrotate] rotate %s: %v", path, err)
			if firstErr == nil {
				firstErr = errs.Wrap(errs.KindStorage, "rotate "+path, err)
			}
			continue
		}
		log.Printf("[logrotate] rotated %s", path)
		r.trimArchives(path)
	}
	return firstErr
}

// trimArchives deletes the oldest rotations beyond the configured count.
func (r *Rotator) trimArchives(path string) {
	keep := r.archives()
	if keep <= 0 {
		return
	}
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return
	}
	// The timestamp suffix sorts lexicographically by age.
	sort.Strings(matches)
	for len(matches) > keep {
		victim := matches[0]
		matches = matches[1:]
		if err := os.Remove(victim); err != nil {
			log.Printf("[logrotate] trim %s: %v", victim, err)
		}
	}
}

// Tail returns the last n lines of one log file.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.KindNotFound, "log %s does not exist", path)
		}
		return nil, errs.Wrap(errs.KindStorage, "open log", err)
	}
	defer f.Close()

	// Ring of the last n lines; logs on this class of device stay small
	// between rotations.
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "read log", err)
	}
	return ring, nil
}

// Export writes a gzipped tar of the given logs (live files plus their
// rotations). Paths outside the allow list are rejected.
func Export(w io.Writer, requested, allowed []string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		allowedSet[p] = true
	}
	for _, p := range requested {
		if !allowedSet[p] {
			return errs.Newf(errs.KindValidation, "log path %q is not exported", p)
		}
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, p := range requested {
		matches, err := filepath.Glob(p + "*")
		if err != nil {
			return errs.Wrap(errs.KindStorage, "glob "+p, err)
		}
		for _, file := range matches {
			if err := addFile(tw, file); err != nil {
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return errs.Wrap(errs.KindStorage, "close log archive", err)
	}
	if err := gz.Close(); err != nil {
		return errs.Wrap(errs.KindStorage, "close log archive", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindStorage, "stat "+path, err)
	}
	if info.IsDir() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "open "+path, err)
	}
	defer f.Close()

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errs.Wrap(errs.KindStorage, "header "+path, err)
	}
	hdr.Name = strings.TrimPrefix(path, "/")
	if err := tw.WriteHeader(hdr); err != nil {
		return errs.Wrap(errs.KindStorage, "write header "+path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return errs.Wrap(errs.KindStorage, "copy "+path, err)
	}
	return nil
}
