package persistence

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Service 为引擎组件提供按键隔离的持久化存储。
type Service interface {
	NewStore(prefix, id, tag string) Store
}

// Store 单个键的读写接口。值为任意可 JSON 序列化的结构。
type Store interface {
	Save(data any) error
	Load(data any) error
	Delete() error
}

// ErrNotExists 键不存在。
var ErrNotExists = errors.New("persistence: key not found")

func storeKey(prefix, id, tag string) string {
	return strings.Join([]string{prefix, id, tag}, ":")
}

// JSONFileService 把每个键写成一个 JSON 文件。
// 不支持前缀扫描，仅用于调试和轻量部署；生产用 badger 后端。
type JSONFileService struct {
	baseDir string
}

func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	return &jsonFileStore{baseDir: s.baseDir, key: storeKey(prefix, id, tag)}
}

type jsonFileStore struct {
	baseDir string
	key     string
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *jsonFileStore) path() string {
	return filepath.Join(s.baseDir, unsafeFileChars.ReplaceAllString(s.key, "_")+".json")
}

// Save 先写临时文件再 rename，崩溃时不会留下半个文件。
func (s *jsonFileStore) Save(data any) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path())
}

func (s *jsonFileStore) Load(data any) error {
	b, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}

func (s *jsonFileStore) Delete() error {
	err := os.Remove(s.path())
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
