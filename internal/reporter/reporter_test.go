package reporter

import (
	"errors"
	"testing"
	"time"

	"mmbot-engine-go/internal/models"
	"mmbot-engine-go/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeWorkers []statemanager.WorkerInfo

func (f fakeWorkers) Workers() []statemanager.WorkerInfo { return f }

type fakeSnapshots map[string]*models.MarketSnapshot

func (f fakeSnapshots) Symbols() []string {
	out := make([]string, 0, len(f))
	for s := range f {
		out = append(out, s)
	}
	return out
}

func (f fakeSnapshots) GetSnapshot(symbol string) (*models.MarketSnapshot, error) {
	if snap := f[symbol]; snap != nil {
		return snap, nil
	}
	return nil, errors.New("stale")
}

func TestRenderListsWorkersAndSnapshots(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	workers := fakeWorkers{
		{Key: "stabilizer/abc", Kind: models.KindStabilizer, StartedAt: now.Add(-90 * time.Minute)},
		{Key: "condition/u1", Kind: models.KindCondition, StartedAt: now.Add(-time.Minute)},
	}
	snaps := fakeSnapshots{
		"GCBUSDT": {Symbol: "GCBUSDT", LastPrice: 1.25, BestBid: 1.24, BestAsk: 1.26, Sequence: 7, Timestamp: now},
		"BTCUSDT": nil,
	}
	r := New(workers, snaps, time.Minute, zap.NewNop())
	r.now = func() time.Time { return now }

	out := r.Render()
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "1h30m0s")
	assert.Contains(t, out, "condition=1 stabilizer=1")
	assert.Contains(t, out, "1.25000000")
	assert.Contains(t, out, "不可用")
}
