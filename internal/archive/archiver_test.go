package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/store"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, key string, body io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	w.objects[key] = b
	w.types[key] = contentType
	return nil
}

func seedLedger(t *testing.T, st *store.MemoryStore, stamps ...time.Time) {
	t.Helper()
	ctx := context.Background()
	for i, ts := range stamps {
		e := &model.LedgerEntry{
			ID:        string(rune('a' + i)),
			UserID:    "u1",
			Type:      model.EntryTradeBuy,
			AssetID:   "BTC",
			AmountIrr: decimal.NewFromInt(int64(1000000 * (i + 1))),
			Quantity:  decimal.NewFromInt(1),
			Boundary:  model.BoundarySafe,
			Timestamp: ts,
		}
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.AppendLedger(ctx, e) }))
	}
}

func TestArchiveMonth_WritesJSONLines(t *testing.T) {
	st := store.NewMemoryStore()
	seedLedger(t, st,
		time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	)
	w := newMemWriter()
	a := NewArchiver(st, w, 1)

	n, err := a.ArchiveMonth(context.Background(), time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	body, ok := w.objects["archive/ledger/2026-03.jsonl"]
	require.True(t, ok)
	assert.Equal(t, "application/x-ndjson", w.types["archive/ledger/2026-03.jsonl"])

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var e model.LedgerEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids, "month bounds are [first, next first)")
}

func TestArchiveMonth_EmptyMonthWritesNothing(t *testing.T) {
	w := newMemWriter()
	a := NewArchiver(store.NewMemoryStore(), w, 1)

	n, err := a.ArchiveMonth(context.Background(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestRun_ArchivesMonthBeforeRetention(t *testing.T) {
	st := store.NewMemoryStore()
	seedLedger(t, st,
		time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	)
	w := newMemWriter()
	a := NewArchiver(st, w, 2)
	a.now = func() time.Time { return time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC) }

	require.NoError(t, a.Run(context.Background()))
	assert.Contains(t, w.objects, "archive/ledger/2026-01.jsonl")
	assert.Len(t, w.objects, 1)
}

func TestArchiveMonth_WriterError(t *testing.T) {
	st := store.NewMemoryStore()
	seedLedger(t, st, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	w := newMemWriter()
	w.err = errors.New("bucket gone")

	_, err := NewArchiver(st, w, 1).ArchiveMonth(context.Background(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorContains(t, err, "bucket gone")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000"))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000"))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com"))
}
