package funding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deltamaker/internal/config"
	"deltamaker/internal/core"
	"deltamaker/internal/logging"
)

type stubGateway struct {
	core.Gateway
	rate   decimal.Decimal
	ts     time.Time
	failAt int32
	calls  int32
}

func (s *stubGateway) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n == s.failAt {
		return decimal.Zero, time.Time{}, errors.New("boom")
	}
	return s.rate, s.ts, nil
}

func TestMonitor_RetainsPreviousValueOnError(t *testing.T) {
	_ = config.DefaultConfig()
	gw := &stubGateway{rate: decimal.NewFromFloat(0.0005), ts: time.Now(), failAt: 2}
	m := New("BTCUSDT", gw, 10*time.Millisecond, logging.Global())

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	require.True(t, m.Latest().Rate.Equal(decimal.NewFromFloat(0.0005)))
}
