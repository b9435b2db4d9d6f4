package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	log "github.com/sirupsen/logrus"
)

type RelayConfig struct {
	Port                  int           `env:"PORT" envDefault:"5173"`
	MetricsPort           int           `env:"METRICS_PORT" envDefault:"9103"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	CorsEnable            bool          `env:"CORS_ENABLE" envDefault:"true"`
	AllowedOrigins        []string      `env:"ALLOWED_ORIGINS" envDefault:"https://realspot.ezimone.com"`
	HeartbeatInterval     int           `env:"HEARTBEAT_INTERVAL" envDefault:"10"`
	RPSLimit              int           `env:"RPS_LIMIT" envDefault:"1000"`
	RateLimitsByPassToken []string      `env:"RATE_LIMITS_BY_PASS_TOKEN"`
	ConnectionsLimit      int           `env:"CONNECTIONS_LIMIT" envDefault:"200"`
	SelfSignedTLS         bool          `env:"SELF_SIGNED_TLS" envDefault:"false"`
	WebhookURL            string        `env:"WEBHOOK_URL"`
	JournalType           string        `env:"JOURNAL_TYPE" envDefault:"memory"`
	JournalURI            string        `env:"JOURNAL_URI"`
	JournalTTL            time.Duration `env:"JOURNAL_TTL" envDefault:"24h"`
	NatsStoreDir          string        `env:"NATS_STORE_DIR" envDefault:"./store/js"`
	SendBuffer            int           `env:"SEND_BUFFER" envDefault:"64"`
}

var Config RelayConfig

func LoadConfig() {
	if err := env.Parse(&Config); err != nil {
		log.Fatalf("config parsing failed: %v\n", err)
	}
}

// Parse reads a config using opts, leaving the package Config untouched.
func Parse(opts env.Options) (RelayConfig, error) {
	var c RelayConfig
	err := env.Parse(&c, opts)
	return c, err
}
