// Package archive exports ledger entries to object storage as JSON lines,
// one object per calendar month. Ledger rows are never deleted.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// LedgerReader lists ledger entries in [from, to), oldest first.
type LedgerReader interface {
	ListLedgerBetween(ctx context.Context, from, to time.Time) ([]model.LedgerEntry, error)
}

// Writer stores one object.
type Writer interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Archiver is the monthly archival job.
type Archiver struct {
	ledger    LedgerReader
	writer    Writer
	retention int // months kept before a month is archived
	now       func() time.Time
	log       *slog.Logger
}

// NewArchiver creates an archiver. Each run exports the month that ended
// retentionMonths months before the current one.
func NewArchiver(ledger LedgerReader, w Writer, retentionMonths int) *Archiver {
	if retentionMonths < 1 {
		retentionMonths = 1
	}
	return &Archiver{
		ledger:    ledger,
		writer:    w,
		retention: retentionMonths,
		now:       time.Now,
		log:       slog.With("component", "archive"),
	}
}

func (a *Archiver) Name() string { return "ledger-archive" }

func (a *Archiver) Run(ctx context.Context) error {
	month := monthStart(a.now().UTC()).AddDate(0, -a.retention, 0)
	_, err := a.ArchiveMonth(ctx, month)
	return err
}

// ArchiveMonth exports every entry of the calendar month containing month
// to archive/ledger/YYYY-MM.jsonl and returns how many were written. An
// empty month writes nothing. Re-running overwrites the same object.
func (a *Archiver) ArchiveMonth(ctx context.Context, month time.Time) (int, error) {
	from := monthStart(month.UTC())
	to := from.AddDate(0, 1, 0)

	entries, err := a.ledger.ListLedgerBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("archive: list ledger %s: %w", from.Format("2006-01"), err)
	}
	if len(entries) == 0 {
		a.log.Info("nothing to archive", "month", from.Format("2006-01"))
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return 0, fmt.Errorf("archive: encode entry %s: %w", entries[i].ID, err)
		}
	}

	key := Key(from)
	if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, err
	}
	a.log.Info("ledger archived", "key", key, "entries", len(entries))
	return len(entries), nil
}

// Key is the object key of the archive for month.
func Key(month time.Time) string {
	return "archive/ledger/" + month.UTC().Format("2006-01") + ".jsonl"
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
