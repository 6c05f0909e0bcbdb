package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/logger"
)

// Journal 活动流水账（sqlite）。记录每一笔观测到的源交易及其处置结果，
// 承担跨重启去重（交易 ID 唯一键）和统计查询。
type Journal struct {
	db *sql.DB
}

// 处置结果
const (
	OutcomeCopied     = "copied"     // 已复制成交
	OutcomeAggregated = "aggregated" // 进入聚合缓冲
	OutcomeDropped    = "dropped"    // 被过滤或丢弃
	OutcomeFailed     = "failed"     // 复制失败
	OutcomeHistorical = "historical" // 首次启动时的历史交易
)

const schema = `
CREATE TABLE IF NOT EXISTS activity_journal (
	trade_id     TEXT PRIMARY KEY,
	trader       TEXT NOT NULL,
	condition_id TEXT NOT NULL,
	side         TEXT NOT NULL,
	usdc_size    REAL NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL DEFAULT '',
	observed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_trader ON activity_journal(trader, observed_at);
`

// OpenJournal 打开（必要时初始化）流水账数据库
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开流水账数据库失败: %w", err)
	}
	// sqlite 单写者：限制连接数避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化流水账表失败: %w", err)
	}

	logger.WithField("component", "journal").Infof("流水账已打开: %s", path)
	return &Journal{db: db}, nil
}

// Close 关闭数据库
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record 记录一笔交易，返回是否为首次见到。
// 已存在的交易 ID 直接返回 false（跨重启去重）。
func (j *Journal) Record(ctx context.Context, t *domain.TradeEvent, outcome string) (bool, error) {
	res, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO activity_journal (trade_id, trader, condition_id, side, usdc_size, outcome, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.TraderAddr, t.ConditionID, string(t.Side), t.UsdcSize, outcome, t.Timestamp.Unix())
	if err != nil {
		return false, fmt.Errorf("写入流水账失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Seen 判断交易是否已在流水账中
func (j *Journal) Seen(ctx context.Context, tradeID string) (bool, error) {
	var one int
	err := j.db.QueryRowContext(ctx,
		`SELECT 1 FROM activity_journal WHERE trade_id = ?`, tradeID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetOutcome 更新交易的处置结果
func (j *Journal) SetOutcome(ctx context.Context, tradeID, outcome string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE activity_journal SET outcome = ? WHERE trade_id = ?`, outcome, tradeID)
	return err
}

// Stats 处置结果统计
type Stats struct {
	Total      int64            `json:"total"`
	ByOutcome  map[string]int64 `json:"by_outcome"`
	TotalUsdc  float64          `json:"total_usdc"`
	OldestUnix int64            `json:"oldest_unix"`
	NewestUnix int64            `json:"newest_unix"`
}

// GetStats 聚合统计流水账
func (j *Journal) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByOutcome: make(map[string]int64)}

	rows, err := j.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*), COALESCE(SUM(usdc_size), 0) FROM activity_journal GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count int64
		var usdc float64
		if err := rows.Scan(&outcome, &count, &usdc); err != nil {
			return nil, err
		}
		stats.ByOutcome[outcome] = count
		stats.Total += count
		stats.TotalUsdc += usdc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = j.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(observed_at), 0), COALESCE(MAX(observed_at), 0) FROM activity_journal`).
		Scan(&stats.OldestUnix, &stats.NewestUnix)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Prune 删除早于保留期的记录，返回删除条数
func (j *Journal) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep).Unix()
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM activity_journal WHERE observed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
