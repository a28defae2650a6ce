package params

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Storage struct {
	AccountsPath string
	OrdersPath   string
	JournalPath  string
}

type Oracle struct {
	// TrustedSigner is the hex address of the price feed publisher.
	TrustedSigner string
}

type Kafka struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type Config struct {
	API         API
	Storage     Storage
	Oracle      Oracle
	Kafka       Kafka
	MarketsFile string
	LogFile     string
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Storage: Storage{
			AccountsPath: "data/accounts.db",
			OrdersPath:   "data/orders.db",
			JournalPath:  "data/journal.db",
		},
		Oracle: Oracle{
			TrustedSigner: "",
		},
		Kafka: Kafka{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "perp.order-events",
		},
		MarketsFile: "markets.yaml",
		LogFile:     "data/perpd.log",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}

	if p := os.Getenv("ACCOUNTS_DB"); p != "" {
		cfg.Storage.AccountsPath = p
	}
	if p := os.Getenv("ORDERS_DB"); p != "" {
		cfg.Storage.OrdersPath = p
	}
	if p := os.Getenv("JOURNAL_DB"); p != "" {
		cfg.Storage.JournalPath = p
	}

	if signer := os.Getenv("ORACLE_TRUSTED_SIGNER"); signer != "" {
		cfg.Oracle.TrustedSigner = signer
	}

	if enabled := os.Getenv("KAFKA_ENABLED"); enabled != "" {
		cfg.Kafka.Enabled = enabled == "true"
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		cfg.Kafka.Topic = topic
	}

	if f := os.Getenv("MARKETS_FILE"); f != "" {
		cfg.MarketsFile = f
	}
	if f := os.Getenv("LOG_FILE"); f != "" {
		cfg.LogFile = f
	}

	return cfg
}
