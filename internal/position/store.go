package position

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/logger"
	"github.com/betbot/copytrader/pkg/persistence"
)

const storePrefix = "position"

// Store 持仓存储。每个 (trader, market) 管道一条记录，
// 记录在内存中更新、每次变更后写穿到持久层。
// 同一管道的写入由其专属 goroutine 串行执行，
// 锁只保护跨管道的并发读（状态查询、全量快照）。
type Store struct {
	mu      sync.RWMutex
	records map[domain.PipelineKey]*domain.PositionRecord

	svc persistence.Service
	log *logrus.Entry
}

// NewStore 创建持仓存储
func NewStore(svc persistence.Service) *Store {
	return &Store{
		records: make(map[domain.PipelineKey]*domain.PositionRecord),
		svc:     svc,
		log:     logger.WithField("component", "position_store"),
	}
}

// Recover 启动时从持久层恢复全部持仓记录
func (s *Store) Recover(scanner interface {
	ScanPrefix(prefix string, fn func(key string, value []byte) error) error
}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := scanner.ScanPrefix(storePrefix, func(key string, value []byte) error {
		var rec domain.PositionRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			s.log.Warnf("持仓记录 %s 损坏，跳过: %v", key, err)
			return nil
		}
		s.records[rec.Key()] = &rec
		count++
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Infof("已恢复 %d 条持仓记录", count)
	return nil
}

// Get 返回管道持仓记录的副本，不存在时返回零值记录
func (s *Store) Get(key domain.PipelineKey) domain.PositionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[key]; ok {
		out := *rec
		return out
	}
	return domain.PositionRecord{Trader: key.Trader, ConditionID: key.ConditionID}
}

// IsProcessed 判断交易是否已处理过（水位线去重）。
// 交易流按管道有序，因此只需记住最近一个已处理 ID。
func (s *Store) IsProcessed(key domain.PipelineKey, tradeID string, tradeAt time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return false
	}
	if rec.LastTradeID == tradeID {
		return true
	}
	// 重放的交易时间早于水位线时间也视为已处理
	return !rec.LastTradeAt.IsZero() && !tradeAt.IsZero() && tradeAt.Before(rec.LastTradeAt)
}

// ApplyBuy 记录买入成交并推进水位线
func (s *Store) ApplyBuy(key domain.PipelineKey, assetID string, size, price float64, tradeID string, at time.Time) error {
	s.mu.Lock()
	rec := s.getOrCreate(key)
	rec.AssetID = assetID
	rec.ApplyBuy(size, price, tradeID, at)
	out := *rec
	s.mu.Unlock()

	return s.persist(&out)
}

// ApplySell 记录卖出成交并推进水位线
func (s *Store) ApplySell(key domain.PipelineKey, size, price float64, tradeID string, at time.Time) error {
	s.mu.Lock()
	rec := s.getOrCreate(key)
	rec.ApplySell(size, price, tradeID, at)
	out := *rec
	s.mu.Unlock()

	return s.persist(&out)
}

// MarkProcessed 仅推进水位线。被过滤、聚合丢弃或永久失败的交易
// 也必须推进水位线，否则重放时会再次进入管道。
func (s *Store) MarkProcessed(key domain.PipelineKey, tradeID string, at time.Time) error {
	s.mu.Lock()
	rec := s.getOrCreate(key)
	rec.MarkProcessed(tradeID, at)
	out := *rec
	s.mu.Unlock()

	return s.persist(&out)
}

// Snapshot 返回全部持仓记录的副本（状态查询接口用）
func (s *Store) Snapshot() []domain.PositionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PositionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// DeployedCapital 全账户已部署资金（全部持仓成本之和）
func (s *Store) DeployedCapital() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0.0
	for _, rec := range s.records {
		total += rec.CostBasis()
	}
	return total
}

func (s *Store) getOrCreate(key domain.PipelineKey) *domain.PositionRecord {
	rec, ok := s.records[key]
	if !ok {
		rec = &domain.PositionRecord{Trader: key.Trader, ConditionID: key.ConditionID}
		s.records[key] = rec
	}
	return rec
}

func (s *Store) persist(rec *domain.PositionRecord) error {
	store := s.svc.NewStore(storePrefix, rec.Trader, rec.ConditionID)
	if err := store.Save(rec); err != nil {
		s.log.Errorf("持仓记录写入失败 %s:%s: %v", rec.Trader, rec.ConditionID, err)
		return err
	}
	return nil
}
