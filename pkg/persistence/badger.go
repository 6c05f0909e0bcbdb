package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerService 基于 Badger KV 的持久化服务
// 与 JSONFileService 共用同一 Service/Store 接口，适合高频写入
// （每次成交都要推进水位线时，单文件 rename 的开销太大）
type BadgerService struct {
	db *badger.DB
}

// OpenBadgerService 打开（或创建）Badger 数据库
func OpenBadgerService(dir string) (*BadgerService, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger 自带日志太吵，统一走我们的 logger
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开 badger 数据库失败: %w", err)
	}
	return &BadgerService{db: db}, nil
}

// Close 关闭数据库
func (s *BadgerService) Close() error {
	return s.db.Close()
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &badgerStore{
		db:  s.db,
		key: []byte(storeKey(prefix, id, tag)),
	}
}

// ScanPrefix 遍历指定前缀的所有 key（用于启动时恢复全部记录）
func (s *BadgerService) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type badgerStore struct {
	db  *badger.DB
	key []byte
}

// Save 保存数据
func (s *badgerStore) Save(data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
}

// Load 加载数据
func (s *badgerStore) Load(data any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, data)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotExists
	}
	return err
}

// Delete 删除数据
func (s *badgerStore) Delete() error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(s.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
