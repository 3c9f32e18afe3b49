package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// 存储、通知与调度的可选实现。
const (
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
	StoreMongo  = "mongo"
	StoreMemory = "memory"

	NotifierOutbox = "outbox"
	NotifierLog    = "log"

	SchedulerRedis = "redis"
	SchedulerTimer = "timer"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string

	// STORE_DRIVER 决定使用哪组连接参数
	StoreDriver string
	DBPath      string
	MySQLDSN    string
	MongoURI    string
	MongoDB     string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// 通知 outbox（Redis Stream，Relay 异步转 Kafka）
	Notifier       string
	NotifyStream   string
	NotifyGroup    string
	NotifyConsumer string

	// 自动退款调度
	Scheduler        string
	AutoRefundDelay  time.Duration
	SchedulerPollInt time.Duration

	// 下单接口限流
	OrderRateLimit  int
	OrderRateWindow time.Duration

	JWTSecret string
	JWTTTL    time.Duration

	// bcrypt 计算成本，0 表示库默认值
	BcryptCost int

	SeedDemo  bool
	LogLevel  string
	LogFormat string
}

// Load 先加载可选的 .env（已存在的环境变量优先），再读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := AppConfig{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		DBPath:           getEnv("DB_PATH", "canteen.db"),
		MySQLDSN:         getEnv("MYSQL_DSN", ""),
		MongoURI:         getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:          getEnv("MONGO_DB", "canteen"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:     splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "canteen-notifications"),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "canteen-notification-inbox"),
		Notifier:         strings.ToLower(getEnv("NOTIFIER", NotifierOutbox)),
		NotifyStream:     getEnv("NOTIFY_STREAM", "canteen:notifications"),
		NotifyGroup:      getEnv("NOTIFY_GROUP", "canteen-relay-group"),
		NotifyConsumer:   getEnv("NOTIFY_CONSUMER", "canteen-relay-1"),
		Scheduler:        strings.ToLower(getEnv("SCHEDULER", SchedulerRedis)),
		JWTSecret:        getEnv("JWT_SECRET", "dev-jwt-secret"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AutoRefundDelay:  30 * time.Second,
		SchedulerPollInt: 500 * time.Millisecond,
		OrderRateLimit:   20,
		OrderRateWindow:  time.Minute,
		JWTTTL:           24 * time.Hour,
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	refundSec, err := getEnvInt("AUTO_REFUND_DELAY_SEC", int(cfg.AutoRefundDelay.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid AUTO_REFUND_DELAY_SEC: %w", err)
	}
	if refundSec < 0 {
		return AppConfig{}, fmt.Errorf("AUTO_REFUND_DELAY_SEC must be >= 0")
	}
	cfg.AutoRefundDelay = time.Duration(refundSec) * time.Second

	pollMS, err := getEnvInt("SCHEDULER_POLL_MS", int(cfg.SchedulerPollInt.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SCHEDULER_POLL_MS: %w", err)
	}
	if pollMS <= 0 {
		return AppConfig{}, fmt.Errorf("SCHEDULER_POLL_MS must be > 0")
	}
	cfg.SchedulerPollInt = time.Duration(pollMS) * time.Millisecond

	rateLimit, err := getEnvInt("ORDER_RATE_LIMIT", cfg.OrderRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ORDER_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("ORDER_RATE_LIMIT must be > 0")
	}
	cfg.OrderRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("ORDER_RATE_WINDOW_SEC", int(cfg.OrderRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ORDER_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("ORDER_RATE_WINDOW_SEC must be > 0")
	}
	cfg.OrderRateWindow = time.Duration(rateWindowSec) * time.Second

	ttlHour, err := getEnvInt("JWT_TTL_HOUR", int(cfg.JWTTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid JWT_TTL_HOUR: %w", err)
	}
	if ttlHour <= 0 {
		return AppConfig{}, fmt.Errorf("JWT_TTL_HOUR must be > 0")
	}
	cfg.JWTTTL = time.Duration(ttlHour) * time.Hour

	if cfg.BcryptCost, err = getEnvInt("BCRYPT_COST", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid BCRYPT_COST: %w", err)
	}
	if cfg.BcryptCost != 0 && (cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost) {
		return AppConfig{}, fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	if cfg.SeedDemo, err = getEnvBool("SEED_DEMO", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid SEED_DEMO: %w", err)
	}

	switch cfg.StoreDriver {
	case StoreSQLite, StoreMemory:
	case StoreMySQL:
		if cfg.MySQLDSN == "" {
			return AppConfig{}, fmt.Errorf("MYSQL_DSN is required when STORE_DRIVER=mysql")
		}
	case StoreMongo:
		if cfg.MongoURI == "" || cfg.MongoDB == "" {
			return AppConfig{}, fmt.Errorf("MONGO_URI and MONGO_DB are required when STORE_DRIVER=mongo")
		}
	default:
		return AppConfig{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.Notifier {
	case NotifierLog:
	case NotifierOutbox:
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.KafkaTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
		}
		if cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
		if cfg.NotifyStream == "" {
			return AppConfig{}, fmt.Errorf("NOTIFY_STREAM must not be empty")
		}
		if cfg.NotifyGroup == "" {
			return AppConfig{}, fmt.Errorf("NOTIFY_GROUP must not be empty")
		}
		if cfg.NotifyConsumer == "" {
			return AppConfig{}, fmt.Errorf("NOTIFY_CONSUMER must not be empty")
		}
	default:
		return AppConfig{}, fmt.Errorf("unknown NOTIFIER %q", cfg.Notifier)
	}

	switch cfg.Scheduler {
	case SchedulerRedis, SchedulerTimer:
	default:
		return AppConfig{}, fmt.Errorf("unknown SCHEDULER %q", cfg.Scheduler)
	}

	if cfg.JWTSecret == "" {
		return AppConfig{}, fmt.Errorf("JWT_SECRET must not be empty")
	}

	return cfg, nil
}

// NeedsRedis outbox 通知、持久化调度与限流都依赖 Redis。
func (c AppConfig) NeedsRedis() bool {
	return c.Notifier == NotifierOutbox || c.Scheduler == SchedulerRedis
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
