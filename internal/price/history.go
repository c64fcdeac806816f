package price

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

// HistoryRecorder persists daily closes. Recording the same asset twice on
// one day overwrites the earlier close.
type HistoryRecorder interface {
	RecordPrice(ctx context.Context, p model.PricePoint) error
}

// HistoryJob snapshots current prices into the daily history used by HRAM.
type HistoryJob struct {
	source   Source
	recorder HistoryRecorder
	now      func() time.Time
	logger   *slog.Logger
}

// NewHistoryJob creates the price history job.
func NewHistoryJob(source Source, recorder HistoryRecorder) *HistoryJob {
	return &HistoryJob{
		source:   source,
		recorder: recorder,
		now:      time.Now,
		logger:   slog.With("component", "price-history"),
	}
}

func (j *HistoryJob) Name() string { return "price-history" }

// Run records one point per quoted asset for the current UTC day. Offline
// quotes are skipped.
func (j *HistoryJob) Run(ctx context.Context) error {
	snap, err := j.source.CurrentPrices(ctx)
	if err != nil {
		return fmt.Errorf("load prices: %w", err)
	}

	now := j.now().UTC()
	day := now.Truncate(24 * time.Hour)

	ids := make([]string, 0, len(snap.Quotes))
	for id := range snap.Quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	recorded, skipped := 0, 0
	for _, id := range ids {
		q := snap.Quotes[id]
		if FreshnessOf(q.FetchedAt, now) == Offline {
			skipped++
			continue
		}
		err := j.recorder.RecordPrice(ctx, model.PricePoint{
			AssetID:  id,
			Day:      day,
			PriceUSD: q.PriceUSD,
			PriceIrr: q.PriceIRR,
		})
		if err != nil {
			return fmt.Errorf("record price %s: %w", id, err)
		}
		recorded++
	}

	j.logger.Info("price history recorded", "day", day.Format(time.DateOnly), "recorded", recorded, "skipped", skipped)
	return nil
}
