package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends accepted by QUEUE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Well-known addresses of the watched collection.
const (
	DefaultPoolAddress     = "0xc2bc2320D22D47D1e197E99D4a5dD3261ccf4A68"
	DefaultContractAddress = "0xAA14657d3a563c679DFD807150EdCcE0833b29Ba"
	DefaultThumbnailURL    = "https://storage.googleapis.com/public-sheetheads/assets/pooled_nft_logo_discord_bot_centered.png"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, e.g. poolwatch
	Timeout  time.Duration
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. http://nsqd:4151, used by nsq-monitor
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	DLQTopic       string // topic for items dropped by the sweep
	WorkerChannel  string
	MaxInFlight    int
}

type Chain struct {
	PoolAddress         string
	ContractAddress     string
	RPCURL              string // overrides the Infura URL when set
	InfuraProjectID     string
	InfuraProjectSecret string
	IPFSGateway         string
	ExplorerTxURL       string // fmt pattern taking the tx hash
	Timeout             time.Duration
}

type Commentary struct {
	Provider       string // openai | anthropic
	OpenAIKey      string
	OpenAIModel    string
	AnthropicKey   string
	AnthropicModel string
	MaxAttempts    int
	Timeout        time.Duration
}

type Discord struct {
	WebhookURL       string
	DevWebhookURL    string // receives onlyDev items when set
	DefaultThumbnail string
	Timeout          time.Duration
	RatePerSecond    float64
	Burst            int
}

type Pipeline struct {
	RetryCeiling  int    // sweeps an item survives before it is dropped
	SweepSchedule string // cron spec
	PublishDLQ    bool   // publish dropped items to NSQ.DLQTopic
}

type Worker struct {
	HTTPPort string // health and metrics
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	QueueBackend string
	DB           DB
	Redis        Redis
	NSQ          NSQ
	Chain        Chain
	Commentary   Commentary
	Discord      Discord
	Pipeline     Pipeline
	Worker       Worker
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:      getenv("APP_NAME", "poolwatch"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		GRPCPort:     getenv("GRPC_PORT", ":50051"),
		QueueBackend: strings.ToLower(getenv("QUEUE_BACKEND", BackendPostgres)),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "poolwatch"),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			Prefix:   getenv("REDIS_PREFIX", "poolwatch"),
			Timeout:  getenvDuration("REDIS_TIMEOUT", 3*time.Second),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "queue_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 10),
		},
		Chain: Chain{
			PoolAddress:         getenv("POOL_ADDRESS", DefaultPoolAddress),
			ContractAddress:     getenv("CONTRACT_ADDRESS", DefaultContractAddress),
			RPCURL:              getenv("ETH_RPC_URL", ""),
			InfuraProjectID:     getenv("INFURA_PROJECT_ID", ""),
			InfuraProjectSecret: getenv("INFURA_PROJECT_SECRET", ""),
			IPFSGateway:         getenv("IPFS_GATEWAY", "https://ipfs.io/ipfs/"),
			ExplorerTxURL:       getenv("EXPLORER_TX_URL", "https://etherscan.io/tx/%s"),
			Timeout:             getenvDuration("CHAIN_TIMEOUT", 15*time.Second),
		},
		Commentary: Commentary{
			Provider:       strings.ToLower(getenv("COMMENTARY_PROVIDER", "openai")),
			OpenAIKey:      getenv("OPENAI_API_KEY", ""),
			OpenAIModel:    getenv("OPENAI_MODEL", "gpt-4"),
			AnthropicKey:   getenv("ANTHROPIC_API_KEY", ""),
			AnthropicModel: getenv("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			MaxAttempts:    getenvInt("COMMENTARY_ATTEMPTS", 3),
			Timeout:        getenvDuration("COMMENTARY_TIMEOUT", 60*time.Second),
		},
		Discord: Discord{
			WebhookURL:       getenv("DISCORD_WEBHOOK_URL", ""),
			DevWebhookURL:    getenv("DISCORD_DEV_WEBHOOK_URL", ""),
			DefaultThumbnail: getenv("DISCORD_DEFAULT_THUMBNAIL", DefaultThumbnailURL),
			Timeout:          getenvDuration("DISCORD_TIMEOUT", 15*time.Second),
			RatePerSecond:    getenvFloat("DISCORD_RATE_PER_SECOND", 0.5),
			Burst:            getenvInt("DISCORD_BURST", 5),
		},
		Pipeline: Pipeline{
			RetryCeiling:  getenvInt("RETRY_CEILING", 10),
			SweepSchedule: getenv("SWEEP_SCHEDULE", "@every 30m"),
			PublishDLQ:    getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Worker: Worker{
			HTTPPort: ":" + strings.TrimPrefix(getenv("WORKER_HTTP_PORT", "8083"), ":"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// EthereumURL returns the JSON-RPC endpoint, preferring an explicit ETH_RPC_URL.
func (c Chain) EthereumURL() string {
	if c.RPCURL != "" {
		return c.RPCURL
	}
	return "https://mainnet.infura.io/v3/" + c.InfuraProjectID
}

// Validate reports settings a worker cannot run without.
func (c Config) Validate() error {
	var missing []string
	switch c.QueueBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.Chain.RPCURL == "" && c.Chain.InfuraProjectID == "" {
		missing = append(missing, "INFURA_PROJECT_ID or ETH_RPC_URL")
	}
	switch c.Commentary.Provider {
	case "openai":
		if c.Commentary.OpenAIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	case "anthropic":
		if c.Commentary.AnthropicKey == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("unknown COMMENTARY_PROVIDER %q", c.Commentary.Provider)
	}
	if c.Discord.WebhookURL == "" {
		missing = append(missing, "DISCORD_WEBHOOK_URL")
	}
	if c.Pipeline.RetryCeiling < 1 {
		return fmt.Errorf("RETRY_CEILING must be positive, got %d", c.Pipeline.RetryCeiling)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
