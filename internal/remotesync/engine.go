package remotesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/piwardrive/piwardrive/internal/bus"
	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/retry"
	"github.com/piwardrive/piwardrive/internal/store"
)

const (
	contentTypePWDB = "application/x-pwdb"

	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute
)

// HealthSource extracts rows newer than the cursor.
type HealthSource interface {
	HealthAfter(afterID int64, limit int) ([]store.HealthRecord, error)
}

// Result is published on the sync topic after each attempt.
type Result struct {
	Destination string `json:"destination"`
	Uploaded    int    `json:"uploaded"`
	RangeStart  int64  `json:"range_start,omitempty"`
	RangeEnd    int64  `json:"range_end,omitempty"`
	Err         string `json:"error,omitempty"`
}

// Engine drives uploads to one destination.
type Engine struct {
	dest     string
	source   HealthSource
	offsets  *OffsetFile
	client   *http.Client
	bus      *bus.Bus
	batchMax int
}

// Options wires an engine.
type Options struct {
	Destination string
	Source      HealthSource
	Offsets     *OffsetFile
	Client      *http.Client
	Bus         *bus.Bus
	BatchMax    int
}

// New creates a sync engine.
func New(opts Options) (*Engine, error) {
	if opts.Destination == "" {
		return nil, errs.New(errs.KindValidation, "sync requires a destination URL")
	}
	if opts.Source == nil || opts.Offsets == nil {
		return nil, errs.New(errs.KindValidation, "sync requires a source and an offset file")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.BatchMax <= 0 {
		opts.BatchMax = 1000
	}
	return &Engine{
		dest:     opts.Destination,
		source:   opts.Source,
		offsets:  opts.Offsets,
		client:   opts.Client,
		bus:      opts.Bus,
		batchMax: opts.BatchMax,
	}, nil
}

// SyncOnce uploads at most one batch of rows past the cursor. With nothing
// new it is a no-op. The cursor only advances on a 2xx response, so a failed
// upload re-sends the same range next time.
func (e *Engine) SyncOnce(ctx context.Context) error {
	off := e.offsets.Get(e.dest)

	// A recent failure keeps its backoff window.
	if off.ConsecutiveFailures > 0 {
		wait := retry.Backoff(off.ConsecutiveFailures, backoffBase, backoffCap, false)
		if since := time.Since(off.LastAttempt); since < wait {
			log.Printf("[remotesync] %s: backing off %s more", e.dest, (wait - since).Round(time.Second))
			return nil
		}
	}

	rows, err := e.source.HealthAfter(off.LastRowID, e.batchMax)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	rangeStart := rows[0].ID
	rangeEnd := rows[len(rows)-1].ID
	payload, err := encodeHealthDump(rows)
	if err != nil {
		return err
	}

	uploadErr := e.upload(ctx, payload, rangeStart, rangeEnd)

	off.LastAttempt = time.Now().UTC()
	if uploadErr == nil {
		off.LastRowID = rangeEnd
		off.LastSuccess = off.LastAttempt
		off.ConsecutiveFailures = 0
		log.Printf("[remotesync] %s: uploaded rows %d..%d", e.dest, rangeStart, rangeEnd)
	} else {
		off.ConsecutiveFailures++
	}
	if err := e.offsets.Put(e.dest, off); err != nil {
		return err
	}

	e.publish(Result{
		Destination: e.dest,
		Uploaded:    len(rows),
		RangeStart:  rangeStart,
		RangeEnd:    rangeEnd,
		Err:         errString(uploadErr),
	})
	return uploadErr
}

func encodeHealthDump(rows []store.HealthRecord) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(rows))
	for i := range rows {
		b, err := json.Marshal(&rows[i])
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "marshal health row", err)
		}
		raw = append(raw, b)
	}
	return EncodePWDB([]Table{{Name: "health_records", Rows: raw}})
}

func (e *Engine) upload(ctx context.Context, payload []byte, rangeStart, rangeEnd int64) error {
	digest := xxh3.Hash(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.dest+"/ingest", bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.KindPermanentProtocol, "build sync request", err)
	}
	req.Header.Set("Content-Type", contentTypePWDB)
	req.Header.Set("X-Range-Start", fmt.Sprintf("%d", rangeStart))
	req.Header.Set("X-Range-End", fmt.Sprintf("%d", rangeEnd))
	req.Header.Set("X-Content-Digest", fmt.Sprintf("xxh3:%016x", digest))

	resp, err := e.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, "post sync batch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		return errs.Newf(errs.KindTransientNetwork, "sync upload: status %d", resp.StatusCode)
	default:
		return errs.Newf(errs.KindPermanentProtocol, "sync upload: status %d", resp.StatusCode)
	}
}

func (e *Engine) publish(r Result) {
	if e.bus != nil {
		e.bus.Publish(bus.TopicSyncResult, r)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
