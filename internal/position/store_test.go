package position

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/betbot/copytrader/internal/domain"
	"github.com/betbot/copytrader/pkg/persistence"
)

// memService 测试用内存持久化
type memService struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemService() *memService {
	return &memService{data: make(map[string][]byte)}
}

func (s *memService) NewStore(prefix, id, tag string) persistence.Store {
	return &memStore{svc: s, key: prefix + ":" + id + ":" + tag}
}

func (s *memService) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			if err := fn(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

type memStore struct {
	svc *memService
	key string
}

func (s *memStore) Save(data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.svc.mu.Lock()
	s.svc.data[s.key] = b
	s.svc.mu.Unlock()
	return nil
}

func (s *memStore) Load(data interface{}) error {
	s.svc.mu.Lock()
	b, ok := s.svc.data[s.key]
	s.svc.mu.Unlock()
	if !ok {
		return persistence.ErrNotExists
	}
	return json.Unmarshal(b, data)
}

func (s *memStore) Delete() error {
	s.svc.mu.Lock()
	delete(s.svc.data, s.key)
	s.svc.mu.Unlock()
	return nil
}

var testKey = domain.PipelineKey{Trader: "0xtrader", ConditionID: "0xcond"}

func TestIsProcessedWatermark(t *testing.T) {
	s := NewStore(newMemService())
	base := time.Now()

	if s.IsProcessed(testKey, "t1", base) {
		t.Fatal("fresh pipeline must not report processed")
	}

	if err := s.ApplyBuy(testKey, "1", 10, 0.5, "t1", base); err != nil {
		t.Fatalf("ApplyBuy error: %v", err)
	}

	// 同一 ID：已处理
	if !s.IsProcessed(testKey, "t1", base) {
		t.Fatal("same trade id must be processed")
	}
	// 更早时间的重放：已处理
	if !s.IsProcessed(testKey, "t0", base.Add(-time.Minute)) {
		t.Fatal("trade older than watermark must be processed")
	}
	// 更新的交易：未处理
	if s.IsProcessed(testKey, "t2", base.Add(time.Minute)) {
		t.Fatal("newer trade must not be processed")
	}
	// 不同管道不受影响
	other := domain.PipelineKey{Trader: "0xother", ConditionID: "0xcond"}
	if s.IsProcessed(other, "t1", base) {
		t.Fatal("watermark leaked across pipelines")
	}
}

func TestMarkProcessedAdvancesWithoutPosition(t *testing.T) {
	s := NewStore(newMemService())
	base := time.Now()

	if err := s.MarkProcessed(testKey, "t1", base); err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !s.IsProcessed(testKey, "t1", base) {
		t.Fatal("watermark not advanced")
	}
	if rec := s.Get(testKey); rec.Size != 0 {
		t.Fatalf("MarkProcessed must not open a position: %+v", rec)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(newMemService())
	base := time.Now()
	if err := s.ApplyBuy(testKey, "1", 10, 0.5, "t1", base); err != nil {
		t.Fatalf("ApplyBuy error: %v", err)
	}

	rec := s.Get(testKey)
	rec.Size = 999

	if got := s.Get(testKey); got.Size != 10 {
		t.Fatalf("store mutated through returned copy: size=%v", got.Size)
	}
}

func TestDeployedCapital(t *testing.T) {
	s := NewStore(newMemService())
	base := time.Now()

	k2 := domain.PipelineKey{Trader: "0xtrader", ConditionID: "0xcond2"}
	if err := s.ApplyBuy(testKey, "1", 100, 0.5, "t1", base); err != nil {
		t.Fatalf("ApplyBuy error: %v", err)
	}
	if err := s.ApplyBuy(k2, "2", 50, 0.2, "t2", base); err != nil {
		t.Fatalf("ApplyBuy error: %v", err)
	}

	// 100×0.5 + 50×0.2 = 60
	if got := s.DeployedCapital(); got != 60 {
		t.Fatalf("deployed got=%v want=60", got)
	}
}

func TestRecoverRestoresWatermark(t *testing.T) {
	svc := newMemService()
	base := time.Now()

	s := NewStore(svc)
	if err := s.ApplyBuy(testKey, "1", 10, 0.5, "t1", base); err != nil {
		t.Fatalf("ApplyBuy error: %v", err)
	}
	if err := s.ApplySell(testKey, 4, 0.6, "t2", base.Add(time.Second)); err != nil {
		t.Fatalf("ApplySell error: %v", err)
	}

	// 模拟重启
	restored := NewStore(svc)
	if err := restored.Recover(svc); err != nil {
		t.Fatalf("Recover error: %v", err)
	}

	rec := restored.Get(testKey)
	if rec.Size != 6 {
		t.Fatalf("recovered size got=%v want=6", rec.Size)
	}
	if rec.LastTradeID != "t2" {
		t.Fatalf("recovered watermark got=%s want=t2", rec.LastTradeID)
	}
	if !restored.IsProcessed(testKey, "t2", base.Add(time.Second)) {
		t.Fatal("recovered store must dedup by watermark")
	}
}
