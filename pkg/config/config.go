package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/betbot/hlgrid/internal/domain"
)

const (
	CenterModeFixed = "fixed" // 固定中心价，永不 recenter
	CenterModeMid   = "mid"   // 跟随盘口中间价

	SpacingArithmetic = "arithmetic"
	SpacingGeometric  = "geometric"

	SizeModeFixed  = "fixed"
	SizeModeScaled = "scaled"

	ExchangePaper       = "paper"
	ExchangeHyperliquid = "hyperliquid"

	PersistenceBadger = "badger"
	PersistenceJSON   = "json"
)

// ExchangeConfig 交易所网关配置
type ExchangeConfig struct {
	Kind            string  `yaml:"kind" json:"kind"`                           // paper | hyperliquid
	Symbol          string  `yaml:"symbol" json:"symbol"`                       // 例如 BTC
	Asset           int     `yaml:"asset" json:"asset"`                         // Hyperliquid 资产编号
	BaseURL         string  `yaml:"base_url" json:"base_url"`                   // REST 地址
	WSURL           string  `yaml:"ws_url" json:"ws_url"`                       // WebSocket 地址
	PrivateKey      string  `yaml:"-" json:"-"`                                 // 只从环境变量 HL_PRIVATE_KEY 读取
	AccountAddress  string  `yaml:"account_address" json:"account_address"`     // 主账户地址（agent 签名时必填）
	VaultAddress    string  `yaml:"vault_address" json:"vault_address"`         // 可选
	Mainnet         bool    `yaml:"mainnet" json:"mainnet"`                     // 签名 source：主网 a / 测试网 b
	RateLimitPerMin int     `yaml:"rate_limit_per_min" json:"rate_limit_per_min"` // REST 每分钟权重上限
	PaperStartPrice float64 `yaml:"paper_start_price" json:"paper_start_price"` // paper 网关的初始价格
	PaperBalance    float64 `yaml:"paper_balance" json:"paper_balance"`         // paper 网关的账户权益（计算保证金率）
	Leverage        int     `yaml:"leverage" json:"leverage"`                   // 启动时设置的杠杆倍数，0 表示不修改
	CrossMargin     bool    `yaml:"cross_margin" json:"cross_margin"`           // 全仓（true）或逐仓
	UseExchangeMeta bool    `yaml:"use_exchange_meta" json:"use_exchange_meta"` // 启动时用交易所元数据覆盖价格/数量精度
}

// GridConfig 网格配置
type GridConfig struct {
	CenterMode          string  `yaml:"center_mode" json:"center_mode"`                     // fixed | mid
	CenterPrice         float64 `yaml:"center_price" json:"center_price"`                   // fixed 模式的中心价
	Levels              int     `yaml:"levels" json:"levels"`                               // 每侧层数
	Spacing             string  `yaml:"spacing" json:"spacing"`                             // arithmetic | geometric
	Step                float64 `yaml:"step" json:"step"`                                   // 等差为价差，等比为比例（0.01 = 1%）
	SizeMode            string  `yaml:"size_mode" json:"size_mode"`                         // fixed | scaled
	BaseSize            float64 `yaml:"base_size" json:"base_size"`                         // 每层基础数量
	SizeScale           float64 `yaml:"size_scale" json:"size_scale"`                       // scaled 模式：每远离一层增加的比例
	RecenterThreshold   float64 `yaml:"recenter_threshold" json:"recenter_threshold"`       // 相对偏移超过此值才 recenter（0.05 = 5%）
	PriceTolerance      float64 `yaml:"price_tolerance" json:"price_tolerance"`             // 订单价格与层级价格的相对容差
	SizeTolerance       float64 `yaml:"size_tolerance" json:"size_tolerance"`               // 订单数量与层级数量的相对容差
	PriceDecimals       int     `yaml:"price_decimals" json:"price_decimals"`               // 价格精度
	SizeDecimals        int     `yaml:"size_decimals" json:"size_decimals"`                 // 数量精度
	ReconcileIntervalMs int     `yaml:"reconcile_interval_ms" json:"reconcile_interval_ms"` // 定时对账间隔，默认 1000ms
	DebounceMs          int     `yaml:"debounce_ms" json:"debounce_ms"`                     // 事件触发对账的防抖间隔，默认 100ms
	PendingTimeoutMs    int     `yaml:"pending_timeout_ms" json:"pending_timeout_ms"`       // pending 订单超过此时长则向交易所查询，默认 10s
	MaxBookAgeMs        int     `yaml:"max_book_age_ms" json:"max_book_age_ms"`             // 行情超过此时长视为不新鲜，默认 5s
	DisableAmend        bool    `yaml:"disable_amend" json:"disable_amend"`                 // 强制撤单重挂
	MaxSigFigs          int     `yaml:"max_sig_figs" json:"max_sig_figs"`                   // 价格最多有效数字，0 表示不限制
	LowerPrice          float64 `yaml:"lower_price" json:"lower_price"`                     // 网格价格下界，0 表示不限制
	UpperPrice          float64 `yaml:"upper_price" json:"upper_price"`                     // 网格价格上界，0 表示不限制
	FlipOnFill          bool    `yaml:"flip_on_fill" json:"flip_on_fill"`                   // 成交后在相邻价位挂反向单
}

// RiskConfig 风控配置；<= 0 表示关闭对应限制
type RiskConfig struct {
	MaxNetPosition       float64 `yaml:"max_net_position" json:"max_net_position"`
	MaxOpenOrders        int     `yaml:"max_open_orders" json:"max_open_orders"`
	MaxRealizedLoss      float64 `yaml:"max_realized_loss" json:"max_realized_loss"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	AllowShrink          bool    `yaml:"allow_shrink" json:"allow_shrink"`         // 超限时缩量而不是直接丢弃
	MinOrderSize         float64 `yaml:"min_order_size" json:"min_order_size"`     // 缩量后的最小下单量
	MaxMarginRatio       float64 `yaml:"max_margin_ratio" json:"max_margin_ratio"` // 高风险线；预警为其 0.8 倍，危险为其 1.1 倍
	MarginCheckMs        int     `yaml:"margin_check_ms" json:"margin_check_ms"`   // 保证金率检查间隔，0 表示不检查
}

// DispatchConfig 执行器配置
type DispatchConfig struct {
	MaxInFlight   int `yaml:"max_in_flight" json:"max_in_flight"`     // 并发请求上限 K
	MaxAttempts   int `yaml:"max_attempts" json:"max_attempts"`       // 单个动作的最大尝试次数
	BaseBackoffMs int `yaml:"base_backoff_ms" json:"base_backoff_ms"` // 指数退避基数
	MaxBackoffMs  int `yaml:"max_backoff_ms" json:"max_backoff_ms"`   // 退避上限
	CallTimeoutMs int `yaml:"call_timeout_ms" json:"call_timeout_ms"` // 单次网关调用超时
}

type PersistenceConfig struct {
	Driver        string `yaml:"driver" json:"driver"` // badger | json
	Dir           string `yaml:"dir" json:"dir"`       // 存储目录，空表示不持久化
	EncryptionKey string `yaml:"-" json:"-"`           // badger 加密密钥（32 字节 hex/base64），只从环境变量读取
}

type HistoryConfig struct {
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"` // 空表示不记录订单历史
}

type AdminConfig struct {
	Listen string `yaml:"listen" json:"listen"` // 例如 127.0.0.1:8088，空表示不启动
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"` // 天
	Compress   bool   `yaml:"compress" json:"compress"`
	JSON       bool   `yaml:"json" json:"json"` // JSON 格式输出
}

// Config 应用配置
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange" json:"exchange"`
	Grid        GridConfig        `yaml:"grid" json:"grid"`
	Risk        RiskConfig        `yaml:"risk" json:"risk"`
	Dispatch    DispatchConfig    `yaml:"dispatch" json:"dispatch"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	History     HistoryConfig     `yaml:"history" json:"history"`
	Admin       AdminConfig       `yaml:"admin" json:"admin"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Kind:            ExchangePaper,
			Symbol:          "BTC",
			BaseURL:         "https://api.hyperliquid.xyz",
			WSURL:           "wss://api.hyperliquid.xyz/ws",
			RateLimitPerMin: 1200,
			PaperStartPrice: 100,
			PaperBalance:    10000,
			CrossMargin:     true,
		},
		Grid: GridConfig{
			CenterMode:          CenterModeMid,
			Levels:              3,
			Spacing:             SpacingArithmetic,
			Step:                1,
			SizeMode:            SizeModeFixed,
			BaseSize:            0.01,
			RecenterThreshold:   0.05,
			PriceTolerance:      0.0005,
			SizeTolerance:       0.01,
			PriceDecimals:       2,
			SizeDecimals:        4,
			ReconcileIntervalMs: 1000,
			DebounceMs:          100,
			PendingTimeoutMs:    10000,
			MaxBookAgeMs:        5000,
		},
		Risk: RiskConfig{
			MaxConsecutiveErrors: 20,
			MaxMarginRatio:       0.85,
			MarginCheckMs:        5000,
		},
		Persistence: PersistenceConfig{
			Driver: PersistenceBadger,
		},
		Dispatch: DispatchConfig{
			MaxInFlight:   4,
			MaxAttempts:   3,
			BaseBackoffMs: 200,
			MaxBackoffMs:  2000,
			CallTimeoutMs: 5000,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// LoadEnvFile 加载 .env（文件不存在时忽略）
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// LoadFromFile 加载配置：默认值 < 配置文件 < 环境变量，最后做校验。
// 校验失败返回 *domain.ConfigurationError。
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, &domain.ConfigurationError{Field: "file", Reason: err.Error()}
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON），覆盖 cfg 中已有的默认值
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖（优先级最高）
func applyEnv(cfg *Config) {
	cfg.Exchange.Kind = getEnv("EXCHANGE_KIND", cfg.Exchange.Kind)
	cfg.Exchange.Symbol = getEnv("GRID_SYMBOL", cfg.Exchange.Symbol)
	cfg.Exchange.BaseURL = getEnv("HL_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.WSURL = getEnv("HL_WS_URL", cfg.Exchange.WSURL)
	cfg.Exchange.PrivateKey = getEnv("HL_PRIVATE_KEY", cfg.Exchange.PrivateKey)
	cfg.Exchange.AccountAddress = getEnv("HL_ACCOUNT_ADDRESS", cfg.Exchange.AccountAddress)
	cfg.Exchange.VaultAddress = getEnv("HL_VAULT_ADDRESS", cfg.Exchange.VaultAddress)
	cfg.Exchange.Mainnet = parseBoolEnv("HL_MAINNET", cfg.Exchange.Mainnet)
	cfg.Exchange.Leverage = parseIntEnv("HL_LEVERAGE", cfg.Exchange.Leverage)

	cfg.Grid.CenterPrice = parseFloatEnv("GRID_CENTER_PRICE", cfg.Grid.CenterPrice)
	cfg.Grid.Levels = parseIntEnv("GRID_LEVELS", cfg.Grid.Levels)
	cfg.Grid.BaseSize = parseFloatEnv("GRID_BASE_SIZE", cfg.Grid.BaseSize)

	cfg.Risk.MaxNetPosition = parseFloatEnv("RISK_MAX_NET_POSITION", cfg.Risk.MaxNetPosition)
	cfg.Risk.MaxRealizedLoss = parseFloatEnv("RISK_MAX_REALIZED_LOSS", cfg.Risk.MaxRealizedLoss)

	cfg.Persistence.Driver = getEnv("PERSISTENCE_DRIVER", cfg.Persistence.Driver)
	cfg.Persistence.Dir = getEnv("PERSISTENCE_DIR", cfg.Persistence.Dir)
	cfg.Persistence.EncryptionKey = getEnv("PERSISTENCE_KEY", cfg.Persistence.EncryptionKey)
	cfg.History.SQLitePath = getEnv("HISTORY_SQLITE_PATH", cfg.History.SQLitePath)
	cfg.Admin.Listen = getEnv("ADMIN_LISTEN", cfg.Admin.Listen)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

func invalid(field, reason string) error {
	return &domain.ConfigurationError{Field: field, Reason: reason}
}

// Validate 验证配置；任何一项不合法都在启动前失败
func (c *Config) Validate() error {
	if c == nil {
		return invalid("", "config is nil")
	}
	var errs []error

	switch c.Exchange.Kind {
	case ExchangePaper:
	case ExchangeHyperliquid:
		if c.Exchange.PrivateKey == "" {
			errs = append(errs, invalid("exchange.private_key", "HL_PRIVATE_KEY 未配置"))
		}
		if c.Exchange.BaseURL == "" || c.Exchange.WSURL == "" {
			errs = append(errs, invalid("exchange.base_url", "REST/WS 地址不能为空"))
		}
	default:
		errs = append(errs, invalid("exchange.kind", fmt.Sprintf("未知的网关类型: %q", c.Exchange.Kind)))
	}
	if strings.TrimSpace(c.Exchange.Symbol) == "" {
		errs = append(errs, invalid("exchange.symbol", "不能为空"))
	}
	if c.Exchange.Leverage < 0 {
		errs = append(errs, invalid("exchange.leverage", "不能为负数"))
	}

	g := c.Grid
	switch g.CenterMode {
	case CenterModeFixed:
		if g.CenterPrice <= 0 {
			errs = append(errs, invalid("grid.center_price", "fixed 模式必须大于 0"))
		}
	case CenterModeMid:
	default:
		errs = append(errs, invalid("grid.center_mode", fmt.Sprintf("未知的中心模式: %q", g.CenterMode)))
	}
	if g.Levels <= 0 {
		errs = append(errs, invalid("grid.levels", "必须大于 0"))
	}
	switch g.Spacing {
	case SpacingArithmetic:
		if g.Step <= 0 {
			errs = append(errs, invalid("grid.step", "必须大于 0"))
		}
	case SpacingGeometric:
		if g.Step <= 0 || g.Step >= 1 {
			errs = append(errs, invalid("grid.step", "等比间距必须在 (0, 1) 之间"))
		}
	default:
		errs = append(errs, invalid("grid.spacing", fmt.Sprintf("未知的间距类型: %q", g.Spacing)))
	}
	switch g.SizeMode {
	case SizeModeFixed, SizeModeScaled:
	default:
		errs = append(errs, invalid("grid.size_mode", fmt.Sprintf("未知的数量模式: %q", g.SizeMode)))
	}
	if g.BaseSize <= 0 {
		errs = append(errs, invalid("grid.base_size", "必须大于 0"))
	}
	if g.SizeMode == SizeModeScaled && g.SizeScale < 0 {
		errs = append(errs, invalid("grid.size_scale", "不能为负数"))
	}
	if g.RecenterThreshold <= 0 {
		errs = append(errs, invalid("grid.recenter_threshold", "必须大于 0"))
	}
	if g.PriceTolerance < 0 || g.SizeTolerance < 0 {
		errs = append(errs, invalid("grid.price_tolerance", "容差不能为负数"))
	}
	if g.PriceDecimals < 0 || g.SizeDecimals < 0 {
		errs = append(errs, invalid("grid.price_decimals", "精度不能为负数"))
	}
	if g.ReconcileIntervalMs <= 0 {
		errs = append(errs, invalid("grid.reconcile_interval_ms", "必须大于 0"))
	}
	if g.MaxSigFigs < 0 {
		errs = append(errs, invalid("grid.max_sig_figs", "不能为负数"))
	}
	if g.LowerPrice < 0 || g.UpperPrice < 0 {
		errs = append(errs, invalid("grid.lower_price", "价格区间不能为负数"))
	} else if g.LowerPrice > 0 && g.UpperPrice > 0 && g.LowerPrice >= g.UpperPrice {
		errs = append(errs, invalid("grid.lower_price", "下界必须小于上界"))
	}
	if g.CenterMode == CenterModeFixed && g.CenterPrice > 0 &&
		((g.LowerPrice > 0 && g.CenterPrice < g.LowerPrice) || (g.UpperPrice > 0 && g.CenterPrice > g.UpperPrice)) {
		errs = append(errs, invalid("grid.center_price", "中心价不在价格区间内"))
	}

	if c.Risk.MaxNetPosition < 0 || c.Risk.MaxRealizedLoss < 0 || c.Risk.MaxOpenOrders < 0 {
		errs = append(errs, invalid("risk", "限额不能为负数"))
	}
	if c.Risk.AllowShrink && c.Risk.MinOrderSize <= 0 {
		errs = append(errs, invalid("risk.min_order_size", "allow_shrink 时必须大于 0"))
	}
	if c.Risk.MaxMarginRatio < 0 || c.Risk.MarginCheckMs < 0 {
		errs = append(errs, invalid("risk.max_margin_ratio", "不能为负数"))
	}

	switch c.Persistence.Driver {
	case PersistenceBadger, PersistenceJSON:
	default:
		errs = append(errs, invalid("persistence.driver", fmt.Sprintf("未知的持久化驱动: %q", c.Persistence.Driver)))
	}

	d := c.Dispatch
	if d.MaxInFlight <= 0 {
		errs = append(errs, invalid("dispatch.max_in_flight", "必须大于 0"))
	}
	if d.MaxAttempts <= 0 {
		errs = append(errs, invalid("dispatch.max_attempts", "必须大于 0"))
	}
	if d.BaseBackoffMs < 0 || d.MaxBackoffMs < d.BaseBackoffMs {
		errs = append(errs, invalid("dispatch.base_backoff_ms", "退避参数不合法"))
	}
	if d.CallTimeoutMs <= 0 {
		errs = append(errs, invalid("dispatch.call_timeout_ms", "必须大于 0"))
	}

	if len(errs) == 0 {
		return nil
	}
	// 返回第一个错误（保持 *ConfigurationError 类型），其余只拼进原因
	first := errs[0].(*domain.ConfigurationError)
	if len(errs) > 1 {
		first.Reason = fmt.Sprintf("%s (另有 %d 项错误: %v)", first.Reason, len(errs)-1, errors.Join(errs[1:]...))
	}
	return first
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
