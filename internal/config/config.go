package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App   AppConfig   `json:"app"`
	MySQL MySQLConfig `json:"mysql"`
	Redis RedisConfig `json:"redis"`
	Apify ApifyConfig `json:"apify"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env      string `json:"env"`       // 运行环境: local / prod
	LogLevel string `json:"log_level"` // 日志级别: debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // API 服务监听地址

	IdleInterval    time.Duration `json:"idle_interval"`    // 队列为空时的轮询间隔（如 "20s"）
	BusyInterval    time.Duration `json:"busy_interval"`    // 有任务在跑时的复查间隔（如 "5s"）
	JanitorInterval time.Duration `json:"janitor_interval"` // 僵尸任务巡检间隔
	ClaimTimeout    time.Duration `json:"claim_timeout"`    // running 超过该时长视为僵尸，回收重派

	WorkerPoolSize int           `json:"worker_pool_size"` // 子任务 Worker Pool 大小
	QueueCapacity  int           `json:"queue_capacity"`   // 子任务队列容量
	PacingDelay    time.Duration `json:"pacing_delay"`     // 相邻子任务派发之间的间隔

	MaxRetries  int           `json:"max_retries"`  // 单次外部查询的最大尝试次数
	BackoffBase time.Duration `json:"backoff_base"` // 指数退避基数
	BackoffCap  time.Duration `json:"backoff_cap"`  // 单次退避上限

	RateLimit   float64 `json:"rate_limit"`   // 对外部端点的限流速率（token/s）
	RateBurst   float64 `json:"rate_burst"`   // 限流桶容量
	DedupWindow int     `json:"dedup_window"` // 入队去重窗口（秒）
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// ApifyConfig 外部比价 actor 配置。
type ApifyConfig struct {
	Token          string        `json:"token"`           // API token
	ActorID        string        `json:"actor_id"`        // actor 标识，如 "voyager~booking-scraper"
	BaseURL        string        `json:"base_url"`        // API 根地址
	RequestTimeout time.Duration `json:"request_timeout"` // 单次外部调用超时
	Language       string        `json:"language"`        // 传给 actor 的语言参数
	ProxyGroup     string        `json:"proxy_group"`     // 代理组，如 "US"
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先于文件内容。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":8081",

			IdleInterval:    20 * time.Second,
			BusyInterval:    5 * time.Second,
			JanitorInterval: 10 * time.Minute,
			ClaimTimeout:    30 * time.Minute,

			WorkerPoolSize: 6,
			QueueCapacity:  256,
			PacingDelay:    1 * time.Second,

			MaxRetries:  5,
			BackoffBase: 1 * time.Second,
			BackoffCap:  30 * time.Second,

			RateLimit:   2,
			RateBurst:   4,
			DedupWindow: 600,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/competitoreye?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Apify: ApifyConfig{
			Token:          "",
			ActorID:        "voyager~booking-scraper",
			BaseURL:        "https://api.apify.com",
			RequestTimeout: 60 * time.Second,
			Language:       "es",
			ProxyGroup:     "US",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.IdleInterval == 0 {
		cfg.App.IdleInterval = defaults.App.IdleInterval
	}
	if cfg.App.BusyInterval == 0 {
		cfg.App.BusyInterval = defaults.App.BusyInterval
	}
	if cfg.App.JanitorInterval == 0 {
		cfg.App.JanitorInterval = defaults.App.JanitorInterval
	}
	if cfg.App.ClaimTimeout == 0 {
		cfg.App.ClaimTimeout = defaults.App.ClaimTimeout
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.PacingDelay == 0 {
		cfg.App.PacingDelay = defaults.App.PacingDelay
	}
	if cfg.App.MaxRetries == 0 {
		cfg.App.MaxRetries = defaults.App.MaxRetries
	}
	if cfg.App.BackoffBase == 0 {
		cfg.App.BackoffBase = defaults.App.BackoffBase
	}
	if cfg.App.BackoffCap == 0 {
		cfg.App.BackoffCap = defaults.App.BackoffCap
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Apify.ActorID == "" {
		cfg.Apify.ActorID = defaults.Apify.ActorID
	}
	if cfg.Apify.BaseURL == "" {
		cfg.Apify.BaseURL = defaults.Apify.BaseURL
	}
	if cfg.Apify.RequestTimeout == 0 {
		cfg.Apify.RequestTimeout = defaults.Apify.RequestTimeout
	}
	if cfg.Apify.Language == "" {
		cfg.Apify.Language = defaults.Apify.Language
	}
	if cfg.Apify.ProxyGroup == "" {
		cfg.Apify.ProxyGroup = defaults.Apify.ProxyGroup
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("apify_token", "APIFY_TOKEN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_IDLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.IdleInterval = d
		}
	}
	if v := os.Getenv("APP_BUSY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.BusyInterval = d
		}
	}
	if v := os.Getenv("APP_JANITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.JanitorInterval = d
		}
	}
	if v := os.Getenv("APP_CLAIM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ClaimTimeout = d
		}
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_PACING_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PacingDelay = d
		}
	}
	if v := os.Getenv("APP_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MaxRetries = i
		}
	}
	if v := os.Getenv("APP_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.BackoffBase = d
		}
	}
	if v := os.Getenv("APP_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.BackoffCap = d
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("apify_token"); v != "" {
		cfg.Apify.Token = v
	}
	if v := os.Getenv("APIFY_ACTOR_ID"); v != "" {
		cfg.Apify.ActorID = v
	}
	if v := os.Getenv("APIFY_BASE_URL"); v != "" {
		cfg.Apify.BaseURL = v
	}
	if v := os.Getenv("APIFY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Apify.RequestTimeout = d
		}
	}
	if v := os.Getenv("APIFY_LANGUAGE"); v != "" {
		cfg.Apify.Language = v
	}
	if v := os.Getenv("APIFY_PROXY_GROUP"); v != "" {
		cfg.Apify.ProxyGroup = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "competitoreye",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "20s"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		IdleInterval    string `json:"idle_interval"`
		BusyInterval    string `json:"busy_interval"`
		JanitorInterval string `json:"janitor_interval"`
		ClaimTimeout    string `json:"claim_timeout"`
		PacingDelay     string `json:"pacing_delay"`
		BackoffBase     string `json:"backoff_base"`
		BackoffCap      string `json:"backoff_cap"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	set := func(field *time.Duration, raw, name string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*field = d
		return nil
	}

	if err := set(&a.IdleInterval, aux.IdleInterval, "idle_interval"); err != nil {
		return err
	}
	if err := set(&a.BusyInterval, aux.BusyInterval, "busy_interval"); err != nil {
		return err
	}
	if err := set(&a.JanitorInterval, aux.JanitorInterval, "janitor_interval"); err != nil {
		return err
	}
	if err := set(&a.ClaimTimeout, aux.ClaimTimeout, "claim_timeout"); err != nil {
		return err
	}
	if err := set(&a.PacingDelay, aux.PacingDelay, "pacing_delay"); err != nil {
		return err
	}
	if err := set(&a.BackoffBase, aux.BackoffBase, "backoff_base"); err != nil {
		return err
	}
	return set(&a.BackoffCap, aux.BackoffCap, "backoff_cap")
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		IdleInterval    string `json:"idle_interval"`
		BusyInterval    string `json:"busy_interval"`
		JanitorInterval string `json:"janitor_interval"`
		ClaimTimeout    string `json:"claim_timeout"`
		PacingDelay     string `json:"pacing_delay"`
		BackoffBase     string `json:"backoff_base"`
		BackoffCap      string `json:"backoff_cap"`
		*Alias
	}{
		IdleInterval:    a.IdleInterval.String(),
		BusyInterval:    a.BusyInterval.String(),
		JanitorInterval: a.JanitorInterval.String(),
		ClaimTimeout:    a.ClaimTimeout.String(),
		PacingDelay:     a.PacingDelay.String(),
		BackoffBase:     a.BackoffBase.String(),
		BackoffCap:      a.BackoffCap.String(),
		Alias:           (*Alias)(&a),
	})
}
