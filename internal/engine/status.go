package engine

import (
	"context"
	"time"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/internal/risk"
	"github.com/betbot/copytrader/internal/store"
)

// Status 引擎运行状态快照（控制面查询接口用）
type Status struct {
	Running           bool                    `json:"running"`
	Paused            bool                    `json:"paused"`
	UptimeSeconds     int64                   `json:"uptime_seconds"`
	Traders           []string                `json:"traders"`
	Pipelines         int                     `json:"pipelines"`
	OutstandingOrders int                     `json:"outstanding_orders"`
	PendingAggregates int                     `json:"pending_aggregates"`
	AvailableBalance  float64                 `json:"available_balance"`
	FeedConnected     bool                    `json:"feed_connected"`
	Wallet            string                  `json:"wallet"`
	WalletKind        string                  `json:"wallet_kind"`
	Risk              risk.State              `json:"risk"`
	Journal           *store.Stats            `json:"journal,omitempty"`
	Positions         []domain.PositionRecord `json:"positions,omitempty"`
}

// Status 返回当前运行状态
func (e *Engine) Status(ctx context.Context, includePositions bool) *Status {
	e.pipeMu.Lock()
	pipelines := len(e.pipelines)
	e.pipeMu.Unlock()

	st := &Status{
		Running:           !e.startedAt.IsZero(),
		Paused:            e.IsPaused(),
		UptimeSeconds:     int64(time.Since(e.startedAt).Seconds()),
		Traders:           e.cfg.Traders,
		Pipelines:         pipelines,
		OutstandingOrders: e.coordinator.Outstanding(),
		PendingAggregates: e.aggregator.Pending(),
		AvailableBalance:  e.availableBalance(),
		FeedConnected:     e.ingestor.Connected(),
		Wallet:            e.wctx.MakerAddress(),
		WalletKind:        string(e.wctx.Kind),
		Risk:              e.breaker.Snapshot(),
	}

	if stats, err := e.journal.GetStats(ctx); err == nil {
		st.Journal = stats
	}
	if includePositions {
		st.Positions = e.positions.Snapshot()
	}
	return st
}

// PositionSnapshot 返回全部持仓记录（控制面用）
func (e *Engine) PositionSnapshot() []domain.PositionRecord {
	return e.positions.Snapshot()
}

// Breaker 返回断路器（控制面的熔断/恢复开关用）
func (e *Engine) Breaker() *risk.CircuitBreaker {
	return e.breaker
}
