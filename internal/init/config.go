package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// App mode & server
	Mode        string
	ServerAddr  string
	TLSCertFile string
	TLSKeyFile  string
	LogLevel    string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Kafka
	KafkaEnabled       bool
	KafkaBroker        string
	KafkaEventsTopic   string
	KafkaCommandsTopic string
	KafkaGroupID       string
	KafkaPartition     int
	KafkaReadTO        time.Duration
	KafkaWriteTO       time.Duration

	// Graph persistence: cassandra, sqlite or memory
	StoreDriver string

	// Cassandra
	CassandraHost     string
	CassandraKeyspace string
	CassandraUsername string
	CassandraPassword string
	CassandraTimeout  time.Duration
	CassandraDC       string

	// SQLite
	SQLitePath string

	// Backends
	HTTPTimeout        time.Duration
	MastodonScheme     string
	MastodonRatePerSec float64
	MastodonBurst      int
	TwitterDomain      string
	TwitterBaseURL     string
	TwitterBearerToken string
	TwitterRatePerSec  float64
	TwitterBurst       int

	// Sync
	PageLimit         int
	ContinuationPages int
	LookupConcurrency int
	RequireAnchor     bool

	// Worker
	WorkerCount     int
	WorkerQueueSize int
}

var cfg *Config

// Init loads the config using Viper and returns it. A .env file in the
// working directory is applied to the environment first.
func Init() *Config {
	_ = godotenv.Load(".env")

	viper.SetDefault("MODE", "server")
	viper.SetDefault("SERVER_ADDR", ":8080")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("TOKEN_TTL", "720h")

	viper.SetDefault("KAFKA_ENABLED", true)
	viper.SetDefault("KAFKA_BROKER", "localhost:29092")
	viper.SetDefault("KAFKA_EVENTS_TOPIC", "feed-changed")
	viper.SetDefault("KAFKA_COMMANDS_TOPIC", "sync-commands")
	viper.SetDefault("KAFKA_GROUP_ID", "sync-workers")
	viper.SetDefault("KAFKA_PARTITION", 0)
	viper.SetDefault("KAFKA_READ_TIMEOUT", "10s")
	viper.SetDefault("KAFKA_WRITE_TIMEOUT", "10s")

	viper.SetDefault("STORE_DRIVER", "sqlite")
	viper.SetDefault("CASSANDRA_HOST", "localhost")
	viper.SetDefault("CASSANDRA_KEYSPACE", "timelinesync")
	viper.SetDefault("CASSANDRA_TIMEOUT", "10s")
	// Optional: Cassandra username/password/DC can be empty
	viper.SetDefault("SQLITE_PATH", "timelinesync.db")

	viper.SetDefault("HTTP_TIMEOUT", "15s")
	viper.SetDefault("MASTODON_SCHEME", "https")
	viper.SetDefault("MASTODON_RATE_PER_SEC", 5)
	viper.SetDefault("MASTODON_BURST", 5)
	viper.SetDefault("TWITTER_DOMAIN", "twitter.com")
	viper.SetDefault("TWITTER_BASE_URL", "https://api.twitter.com")
	viper.SetDefault("TWITTER_RATE_PER_SEC", 1)
	viper.SetDefault("TWITTER_BURST", 3)

	viper.SetDefault("PAGE_LIMIT", 40)
	viper.SetDefault("CONTINUATION_PAGES", 2)
	viper.SetDefault("LOOKUP_CONCURRENCY", 4)
	viper.SetDefault("PAGINATION_REQUIRE_ANCHOR", false)

	viper.SetDefault("WORKER_COUNT", 0)
	viper.SetDefault("WORKER_QUEUE_SIZE", 0)

	// Load env variables
	viper.AutomaticEnv()

	// Optional config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	_ = viper.ReadInConfig() // ignore error if no file

	cfg = &Config{
		Mode:               viper.GetString("MODE"),
		ServerAddr:         viper.GetString("SERVER_ADDR"),
		TLSCertFile:        viper.GetString("TLS_CERT_FILE"),
		TLSKeyFile:         viper.GetString("TLS_KEY_FILE"),
		LogLevel:           strings.ToUpper(viper.GetString("LOG_LEVEL")),
		JWTSecret:          viper.GetString("JWT_SECRET"),
		TokenTTL:           parseDuration(viper.GetString("TOKEN_TTL"), 720*time.Hour),
		KafkaEnabled:       viper.GetBool("KAFKA_ENABLED"),
		KafkaBroker:        viper.GetString("KAFKA_BROKER"),
		KafkaEventsTopic:   viper.GetString("KAFKA_EVENTS_TOPIC"),
		KafkaCommandsTopic: viper.GetString("KAFKA_COMMANDS_TOPIC"),
		KafkaGroupID:       viper.GetString("KAFKA_GROUP_ID"),
		KafkaPartition:     viper.GetInt("KAFKA_PARTITION"),
		KafkaReadTO:        parseDuration(viper.GetString("KAFKA_READ_TIMEOUT"), 10*time.Second),
		KafkaWriteTO:       parseDuration(viper.GetString("KAFKA_WRITE_TIMEOUT"), 10*time.Second),
		StoreDriver:        strings.ToLower(viper.GetString("STORE_DRIVER")),
		CassandraHost:      viper.GetString("CASSANDRA_HOST"),
		CassandraKeyspace:  viper.GetString("CASSANDRA_KEYSPACE"),
		CassandraUsername:  viper.GetString("CASSANDRA_USERNAME"),
		CassandraPassword:  viper.GetString("CASSANDRA_PASSWORD"),
		CassandraTimeout:   parseDuration(viper.GetString("CASSANDRA_TIMEOUT"), 10*time.Second),
		CassandraDC:        viper.GetString("CASSANDRA_DC"),
		SQLitePath:         viper.GetString("SQLITE_PATH"),
		HTTPTimeout:        parseDuration(viper.GetString("HTTP_TIMEOUT"), 15*time.Second),
		MastodonScheme:     viper.GetString("MASTODON_SCHEME"),
		MastodonRatePerSec: viper.GetFloat64("MASTODON_RATE_PER_SEC"),
		MastodonBurst:      viper.GetInt("MASTODON_BURST"),
		TwitterDomain:      strings.ToLower(viper.GetString("TWITTER_DOMAIN")),
		TwitterBaseURL:     viper.GetString("TWITTER_BASE_URL"),
		TwitterBearerToken: viper.GetString("TWITTER_BEARER_TOKEN"),
		TwitterRatePerSec:  viper.GetFloat64("TWITTER_RATE_PER_SEC"),
		TwitterBurst:       viper.GetInt("TWITTER_BURST"),
		PageLimit:          viper.GetInt("PAGE_LIMIT"),
		ContinuationPages:  viper.GetInt("CONTINUATION_PAGES"),
		LookupConcurrency:  viper.GetInt("LOOKUP_CONCURRENCY"),
		RequireAnchor:      viper.GetBool("PAGINATION_REQUIRE_ANCHOR"),
		WorkerCount:        viper.GetInt("WORKER_COUNT"),
		WorkerQueueSize:    viper.GetInt("WORKER_QUEUE_SIZE"),
	}

	return cfg
}

func parseDuration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

// Get returns the loaded config instance
func Get() *Config {
	return cfg
}
