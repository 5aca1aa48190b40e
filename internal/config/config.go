package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config collects environment settings for the server, the dealer loop and
// the adapters around the core.
type Config struct {
	Env         string // "local", "dev", "prod"
	ServiceName string
	HTTPPort    string
	LogFile     string // empty logs to stderr only
	RateLimit   int    // requests per minute per client, 0 disables

	WalletBackend string // "redis" or "memory"
	DealerEnabled bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsChannel string

	ArchiveEnabled bool
	PostgresDSN    string
	MigrationsPath string

	KafkaBrokers string // "a:9092,b:9092", empty disables the sink
	KafkaTopic   string

	AdminID    string
	OperatorID string

	HouseEdgeBps       uint32
	MinBet             uint64
	MaxBet             uint64
	MaxCrashMultiplier string // e.g. "1000", empty for no house cap
	MaxBetsPerRound    int
	BettingWindow      time.Duration
	Intermission       time.Duration
	TickInterval       time.Duration
	CurveK             float64
	CurveGrowth        float64

	ReplayRounds int
}

// Load reads the environment, falling back to local development defaults.
func Load() Config {
	return Config{
		Env:         getEnv("ENV", "local"),
		ServiceName: getEnv("SERVICE_NAME", "crashpool"),
		HTTPPort:    getEnv("PORT", "8080"),
		LogFile:     getEnv("LOG_FILE", ""),
		RateLimit:   getEnvAsInt("RATE_LIMIT", 100),

		WalletBackend: getEnv("WALLET_BACKEND", "redis"),
		DealerEnabled: getEnvAsBool("DEALER_ENABLED", true),

		RedisAddr:     getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		EventsChannel: getEnv("REDIS_EVENTS_CHANNEL", "crash:events"),

		ArchiveEnabled: getEnvAsBool("ARCHIVE_ENABLED", true),
		PostgresDSN: fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
			getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
			getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
			getEnv("BLUEPRINT_DB_HOST", "localhost"),
			getEnv("BLUEPRINT_DB_PORT", "5432"),
			getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
			getEnv("BLUEPRINT_DB_SCHEMA", "public"),
		),
		MigrationsPath: getEnv("MIGRATIONS_PATH", ""),

		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC_SETTLEMENTS", "crash.settlements"),

		AdminID:    getEnv("CASINO_ADMIN_ID", "admin"),
		OperatorID: getEnv("CASINO_OPERATOR_ID", "dealer"),

		HouseEdgeBps:       uint32(getEnvAsInt("HOUSE_EDGE_BPS", 100)),
		MinBet:             getEnvAsUint("MIN_BET", 100),
		MaxBet:             getEnvAsUint("MAX_BET", 1000000),
		MaxCrashMultiplier: getEnv("MAX_CRASH_MULTIPLIER", ""),
		MaxBetsPerRound:    getEnvAsInt("MAX_BETS_PER_ROUND", 0),
		BettingWindow:      getEnvAsDuration("BETTING_TIME", 5*time.Second),
		Intermission:       getEnvAsDuration("INTERMISSION_TIME", 3*time.Second),
		TickInterval:       getEnvAsDuration("TICK_INTERVAL", 100*time.Millisecond),
		CurveK:             getEnvAsFloat("CURVE_K", 1),
		CurveGrowth:        getEnvAsFloat("CURVE_GROWTH", 0.06),

		ReplayRounds: getEnvAsInt("EVENT_REPLAY_ROUNDS", 64),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsUint(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if u, err := strconv.ParseUint(val, 10, 64); err == nil {
			return u
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
