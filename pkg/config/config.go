package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WalletType 钱包类型
type WalletType string

const (
	WalletTypeEOA  WalletType = "EOA"  // 私钥直接签名
	WalletTypeSafe WalletType = "SAFE" // Gnosis Safe 多签代理钱包（中继执行）
)

// StrategyKind 复制策略类型（封闭集合：新增策略 = 新增变体 + 穷举分支）
type StrategyKind string

const (
	StrategyPercentage StrategyKind = "PERCENTAGE"
	StrategyFixed      StrategyKind = "FIXED"
	StrategyAdaptive   StrategyKind = "ADAPTIVE"
)

// WalletConfig 钱包配置
type WalletConfig struct {
	Type          WalletType `yaml:"type"`           // EOA 或 SAFE
	PrivateKey    string     `yaml:"private_key"`    // 签名私钥（建议通过 COPYBOT_PRIVATE_KEY 注入）
	FunderAddress string     `yaml:"funder_address"` // 资金地址（Safe 模式下为 Safe 合约地址）
}

// StrategyConfig 复制策略配置
type StrategyConfig struct {
	Kind StrategyKind `yaml:"kind"`

	// Ratio Percentage 策略的复制比例，(0,1]
	Ratio float64 `yaml:"ratio"`

	// FixedSize Fixed 策略的固定金额（USDC），会被源交易金额封顶
	FixedSize float64 `yaml:"fixed_size"`

	// Adaptive 策略参数：base * f(资金利用率, 近期滑点)
	AdaptiveBase      float64 `yaml:"adaptive_base"`      // 基础金额（USDC）
	CapitalCeiling    float64 `yaml:"capital_ceiling"`    // 资金上限（USDC），利用率 = 已部署资金 / 上限
	UtilizationWeight float64 `yaml:"utilization_weight"` // 利用率衰减权重，默认 1.0
	SlippageWeight    float64 `yaml:"slippage_weight"`    // 滑点衰减权重，默认 1.0

	// 通用限制（原版 copy_strategy 的封顶逻辑）
	Multiplier     float64 `yaml:"multiplier"`        // 平坦乘数，默认 1.0
	MaxOrderSize   float64 `yaml:"max_order_size"`    // 单笔上限（USDC），0 表示不限制
	MaxPositionUSD float64 `yaml:"max_position_size"` // 单市场持仓上限（USDC），0 表示不限制
}

// AggregationExpiryPolicy 聚合超时处理策略
type AggregationExpiryPolicy string

const (
	// ExpiryDrop 超时后丢弃（不足最小单位的不复制，但记为已处理）
	ExpiryDrop AggregationExpiryPolicy = "drop"
	// ExpiryFlush 超时后无论大小强制下单
	ExpiryFlush AggregationExpiryPolicy = "flush"
)

// AggregationConfig 小额聚合配置
type AggregationConfig struct {
	MaxHold      time.Duration           `yaml:"max_hold"`      // 聚合窗口最长持有时间
	ExpiryPolicy AggregationExpiryPolicy `yaml:"expiry_policy"` // 超时处理：drop 或 flush
}

// RetryConfig 下单重试配置
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // 最多重试次数
	BackoffBase time.Duration `yaml:"backoff_base"` // 指数退避基数
	BackoffMax  time.Duration `yaml:"backoff_max"`  // 退避上限
}

// FeedConfig 交易流配置
type FeedConfig struct {
	URL            string        `yaml:"url"`              // RTDS WebSocket 地址
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`  // 重连初始延迟
	ReconnectMax   time.Duration `yaml:"reconnect_max"`    // 重连延迟上限（次数不限）
	QueueSize      int           `yaml:"queue_size"`       // 每个 (trader, market) 管道的缓冲大小
	TooOldHours    float64       `yaml:"too_old_hours"`    // 超过此小时数的交易视为过期直接丢弃
	RefreshEvery   time.Duration `yaml:"refresh_interval"` // 定期持仓对账间隔
}

// SafeConfig Safe 钱包中继确认配置
type SafeConfig struct {
	RelayerURL   string        `yaml:"relayer_url"`   // 中继服务地址
	PollInterval time.Duration `yaml:"poll_interval"` // 链上确认轮询间隔
	PollTimeout  time.Duration `yaml:"poll_timeout"`  // 单次提交的确认超时（独立于重试退避）
}

// RiskConfig 断路器配置。阈值 <= 0 表示关闭对应限制。
type RiskConfig struct {
	MaxConsecutiveFailures int64   `yaml:"max_consecutive_failures"` // 连续复制失败上限
	DailyLossLimitUSD      float64 `yaml:"daily_loss_limit_usd"`     // 当日已实现亏损上限（USDC）
}

// VenueConfig 交易所 / 链配置
type VenueConfig struct {
	ClobHost     string `yaml:"clob_host"`     // CLOB API 地址
	DataAPIHost  string `yaml:"data_api_host"` // data-api 地址（持仓/历史活动）
	RPCURL       string `yaml:"rpc_url"`       // Polygon RPC 节点
	ChainID      int    `yaml:"chain_id"`      // 链 ID（Polygon = 137）
	USDCContract string `yaml:"usdc_contract"` // USDC 合约地址
	ExchangeAddr string `yaml:"exchange_addr"` // CTF Exchange 合约地址
}

// PersistenceConfig 持久化配置
type PersistenceConfig struct {
	Backend string `yaml:"backend"` // json 或 badger
	Dir     string `yaml:"dir"`     // 数据目录
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config 应用配置
type Config struct {
	Traders []string `yaml:"traders"` // 被跟踪的交易员地址列表

	Wallet      WalletConfig      `yaml:"wallet"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Retry       RetryConfig       `yaml:"retry"`
	Feed        FeedConfig        `yaml:"feed"`
	Safe        SafeConfig        `yaml:"safe"`
	Risk        RiskConfig        `yaml:"risk"`
	Venue       VenueConfig       `yaml:"venue"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Log         LogConfig         `yaml:"log"`

	// MinTradableSize 交易所最小可成交金额（USDC）
	MinTradableSize float64 `yaml:"min_tradable_size"`
	// MaxOutstanding 同时在途订单上限（全局准入控制）
	MaxOutstanding int `yaml:"max_outstanding_orders"`
	// ControlListen 控制面 HTTP 监听地址（空则不启动）
	ControlListen string `yaml:"control_listen"`
	// DebugListen expvar/pprof 调试端口（空则不启动）
	DebugListen string `yaml:"debug_listen"`
	// DryRun 纸交易模式：不真实下单
	DryRun bool `yaml:"dry_run"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Wallet: WalletConfig{Type: WalletTypeEOA},
		Strategy: StrategyConfig{
			Kind:              StrategyPercentage,
			Ratio:             0.1,
			Multiplier:        1.0,
			UtilizationWeight: 1.0,
			SlippageWeight:    1.0,
		},
		Aggregation: AggregationConfig{
			MaxHold:      60 * time.Second,
			ExpiryPolicy: ExpiryDrop,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
		},
		Feed: FeedConfig{
			URL:            "wss://ws-live-data.polymarket.com",
			ReconnectDelay: 5 * time.Second,
			ReconnectMax:   60 * time.Second,
			QueueSize:      256,
			TooOldHours:    1,
			RefreshEvery:   30 * time.Second,
		},
		Safe: SafeConfig{
			RelayerURL:   "https://relayer-v2.polymarket.com",
			PollInterval: 2 * time.Second,
			PollTimeout:  45 * time.Second,
		},
		Risk: RiskConfig{
			MaxConsecutiveFailures: 10,
		},
		Venue: VenueConfig{
			ClobHost:     "https://clob.polymarket.com",
			DataAPIHost:  "https://data-api.polymarket.com",
			RPCURL:       "https://polygon-rpc.com",
			ChainID:      137,
			USDCContract: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			ExchangeAddr: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
		},
		Persistence: PersistenceConfig{
			Backend: "badger",
			Dir:     "data",
		},
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/copybot.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		MinTradableSize: 1.0,
		MaxOutstanding:  4,
	}
}

// LoadFromFile 从 YAML 文件加载配置（文件值覆盖默认值，环境变量最后覆盖）
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides 应用环境变量覆盖（无配置文件启动时使用）
func (c *Config) ApplyEnvOverrides() {
	applyEnvOverrides(c)
}

// applyEnvOverrides 应用环境变量覆盖（敏感信息只从环境注入）
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COPYBOT_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = v
	}
	if v := os.Getenv("COPYBOT_FUNDER_ADDRESS"); v != "" {
		cfg.Wallet.FunderAddress = v
	}
	if v := os.Getenv("COPYBOT_WALLET_TYPE"); v != "" {
		cfg.Wallet.Type = WalletType(strings.ToUpper(v))
	}
	if v := os.Getenv("COPYBOT_TRADERS"); v != "" {
		cfg.Traders = ParseTraderAddresses(v)
	}
	if v := os.Getenv("COPYBOT_STRATEGY"); v != "" {
		cfg.Strategy.Kind = StrategyKind(strings.ToUpper(v))
	}
	if v := os.Getenv("COPYBOT_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
}

// IsValidEthereumAddress 校验以太坊地址格式
func IsValidEthereumAddress(addr string) bool {
	s := strings.TrimPrefix(strings.TrimSpace(addr), "0x")
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// ParseTraderAddresses 解析逗号分隔的地址列表（统一小写、去空白）
func ParseTraderAddresses(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		addr := strings.ToLower(strings.TrimSpace(part))
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if len(c.Traders) == 0 {
		return fmt.Errorf("traders 不能为空：至少配置一个被跟踪地址")
	}
	for _, addr := range c.Traders {
		if !IsValidEthereumAddress(addr) {
			return fmt.Errorf("非法的交易员地址: %s", addr)
		}
	}

	switch c.Wallet.Type {
	case WalletTypeEOA, WalletTypeSafe:
	default:
		return fmt.Errorf("未知的钱包类型: %s（只支持 EOA / SAFE）", c.Wallet.Type)
	}
	if c.Wallet.Type == WalletTypeSafe && !IsValidEthereumAddress(c.Wallet.FunderAddress) {
		return fmt.Errorf("SAFE 钱包必须配置合法的 funder_address")
	}

	switch c.Strategy.Kind {
	case StrategyPercentage:
		if c.Strategy.Ratio <= 0 || c.Strategy.Ratio > 1 {
			return fmt.Errorf("percentage 策略的 ratio 必须在 (0,1] 内，当前 %v", c.Strategy.Ratio)
		}
	case StrategyFixed:
		if c.Strategy.FixedSize <= 0 {
			return fmt.Errorf("fixed 策略的 fixed_size 必须大于 0")
		}
	case StrategyAdaptive:
		if c.Strategy.AdaptiveBase <= 0 {
			return fmt.Errorf("adaptive 策略的 adaptive_base 必须大于 0")
		}
		if c.Strategy.CapitalCeiling <= 0 {
			return fmt.Errorf("adaptive 策略的 capital_ceiling 必须大于 0")
		}
	default:
		return fmt.Errorf("未知的复制策略: %s", c.Strategy.Kind)
	}

	switch c.Aggregation.ExpiryPolicy {
	case ExpiryDrop, ExpiryFlush:
	default:
		return fmt.Errorf("未知的聚合超时策略: %s（只支持 drop / flush）", c.Aggregation.ExpiryPolicy)
	}
	if c.Aggregation.MaxHold <= 0 {
		return fmt.Errorf("aggregation.max_hold 必须大于 0")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts 必须 >= 1")
	}
	if c.MinTradableSize <= 0 {
		return fmt.Errorf("min_tradable_size 必须大于 0")
	}
	if c.MaxOutstanding < 1 {
		return fmt.Errorf("max_outstanding_orders 必须 >= 1")
	}
	if c.Feed.QueueSize < 1 {
		return fmt.Errorf("feed.queue_size 必须 >= 1")
	}
	if c.Risk.MaxConsecutiveFailures < 0 || c.Risk.DailyLossLimitUSD < 0 {
		return fmt.Errorf("risk 阈值不能为负数")
	}
	return nil
}
