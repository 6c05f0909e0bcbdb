package metrics

import "expvar"

var (
	TradesObserved   = expvar.NewInt("trades_observed")   // 收到的交易事件总数
	TradesDuplicate  = expvar.NewInt("trades_duplicate")  // 去重丢弃
	TradesTooOld     = expvar.NewInt("trades_too_old")    // 过期丢弃
	TradesAggregated = expvar.NewInt("trades_aggregated") // 进入聚合缓冲
	AggregateFlushes = expvar.NewInt("aggregate_flushes") // 聚合冲洗次数
	AggregateDrops   = expvar.NewInt("aggregate_drops")   // 聚合到期丢弃次数
	OrdersSubmitted  = expvar.NewInt("orders_submitted")  // 提交交易所的订单数
	OrdersFilled     = expvar.NewInt("orders_filled")     // 成交订单数
	OrdersFailed     = expvar.NewInt("orders_failed")     // 终态失败订单数
	OrderRetries     = expvar.NewInt("order_retries")     // 重试次数
	OrdersDeferred   = expvar.NewInt("orders_deferred")   // 准入控制延迟的订单数
	ReconcileRuns    = expvar.NewInt("reconcile_runs")    // 对账执行次数
	ReconcileErrors  = expvar.NewInt("reconcile_errors")  // 对账失败次数
	FeedReconnects   = expvar.NewInt("feed_reconnects")   // 交易流重连次数
)
