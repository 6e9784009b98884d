package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Mokpell/internal/inferbench"
)

func result(id string, at time.Time, ppMean float64) inferbench.Result {
	return inferbench.Result{
		ID:        id,
		Timestamp: at,
		Params:    inferbench.Params{PP: 16, TG: 8, PL: 1, NR: 2},
		Model:     inferbench.ModelInfo{Description: "test bigram 260V", Device: "CPU"},
		PP:        inferbench.Phase{Label: "pp 16", Mean: ppMean, Std: 1.5},
		TG:        inferbench.Phase{Label: "tg 8", Mean: ppMean / 4},
	}
}

func TestHistory(t *testing.T) {
	for _, driver := range []string{DriverSQLite, DriverDuckDB} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			h, err := Open(driver, filepath.Join(t.TempDir(), "runs", "bench.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = h.Close() })
			assert.Equal(t, driver, h.Driver())

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, h.Save(ctx, result("run-1", base, 100)))
			require.NoError(t, h.Save(ctx, result("run-2", base.Add(time.Minute), 200)))
			require.NoError(t, h.Save(ctx, result("run-3", base.Add(2*time.Minute), 300)))

			assert.Error(t, h.Save(ctx, result("run-1", base, 1)), "duplicate id")

			runs, err := h.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run-3", runs[0].ID)
			assert.Equal(t, "run-2", runs[1].ID)
			assert.Equal(t, 300.0, runs[0].PPMean)
			assert.Equal(t, 75.0, runs[0].TGMean)
			assert.Equal(t, inferbench.Params{PP: 16, TG: 8, PL: 1, NR: 2}, runs[0].Params)
			assert.Equal(t, "pp 16", runs[0].Result.PP.Label)
			assert.True(t, runs[0].CreatedAt.Equal(base.Add(2*time.Minute)))

			got, err := h.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "test bigram 260V", got.Model)
			assert.Equal(t, 1.5, got.PPStd)

			_, err = h.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestHistoryRejectsBadInput(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
	_, err = Open(DriverSQLite, "")
	assert.Error(t, err)

	h, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "bench.db"))
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	assert.Error(t, h.Save(ctx, inferbench.Result{Timestamp: time.Now()}))
	assert.Error(t, h.Save(ctx, inferbench.Result{ID: "x"}))
	_, err = h.Recent(ctx, 0)
	assert.Error(t, err)
}
