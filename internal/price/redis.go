package price

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const fxKey = "fx:USD_IRR"

// RedisSource reads quotes written by the ingestion service. Each asset is a
// hash at "price:{assetID}" with fields "usd", "irr" and "ts" (Unix nanos).
// The FX rate is a hash at "fx:USD_IRR" with fields "rate", "source", "ts".
type RedisSource struct {
	rdb    *redis.Client
	assets func() []string
}

// NewRedisSource creates a source for the asset ids returned by assets.
func NewRedisSource(rdb *redis.Client, assets func() []string) *RedisSource {
	return &RedisSource{rdb: rdb, assets: assets}
}

func priceKey(assetID string) string {
	return "price:" + assetID
}

// CurrentPrices loads every quote in one pipeline. Missing or malformed
// assets are omitted; the caller treats them as having no price.
func (s *RedisSource) CurrentPrices(ctx context.Context) (*Snapshot, error) {
	ids := s.assets()

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGetAll(ctx, priceKey(id))
	}
	fxCmd := pipe.HGetAll(ctx, fxKey)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	snap := &Snapshot{Quotes: make(map[string]Quote, len(ids))}
	if vals, err := fxCmd.Result(); err == nil && len(vals) > 0 {
		if fx, err := parseFX(vals); err == nil {
			snap.FX = fx
		}
	}

	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		q, err := parseQuote(id, vals, snap.FX)
		if err != nil {
			continue
		}
		snap.Quotes[id] = q
	}
	return snap, nil
}

// Publish writes a quote in the layout CurrentPrices reads.
func (s *RedisSource) Publish(ctx context.Context, q Quote) error {
	fields := map[string]interface{}{
		"usd": q.PriceUSD.String(),
		"irr": q.PriceIRR.String(),
		"ts":  strconv.FormatInt(q.FetchedAt.UnixNano(), 10),
	}
	if err := s.rdb.HSet(ctx, priceKey(q.AssetID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", q.AssetID, err)
	}
	return nil
}

// parseQuote decodes a price hash. When only a USD price is present the IRR
// price is derived from fx.
func parseQuote(assetID string, vals map[string]string, fx FXRate) (Quote, error) {
	q := Quote{AssetID: assetID}

	if s, ok := vals["usd"]; ok && s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return Quote{}, fmt.Errorf("parse usd price %s: %w", assetID, err)
		}
		q.PriceUSD = v
	}
	if s, ok := vals["irr"]; ok && s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return Quote{}, fmt.Errorf("parse irr price %s: %w", assetID, err)
		}
		q.PriceIRR = v
	} else if !q.PriceUSD.IsZero() && fx.UsdIrr.IsPositive() {
		q.PriceIRR = q.PriceUSD.Mul(fx.UsdIrr)
	} else {
		return Quote{}, fmt.Errorf("no irr price for %s", assetID)
	}

	ts, err := parseNanos(vals["ts"])
	if err != nil {
		return Quote{}, fmt.Errorf("parse ts %s: %w", assetID, err)
	}
	q.FetchedAt = ts
	return q, nil
}

func parseFX(vals map[string]string) (FXRate, error) {
	rate, err := decimal.NewFromString(vals["rate"])
	if err != nil {
		return FXRate{}, fmt.Errorf("parse fx rate: %w", err)
	}
	ts, err := parseNanos(vals["ts"])
	if err != nil {
		return FXRate{}, fmt.Errorf("parse fx ts: %w", err)
	}
	return FXRate{UsdIrr: rate, Source: vals["source"], FetchedAt: ts}, nil
}

func parseNanos(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
