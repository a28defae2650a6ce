package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/keeperlabs/perpcore/params"
	"github.com/keeperlabs/perpcore/pkg/api"
	"github.com/keeperlabs/perpcore/pkg/journal"
	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
	"github.com/keeperlabs/perpcore/pkg/oracle"
	"github.com/keeperlabs/perpcore/pkg/perp"
	"github.com/keeperlabs/perpcore/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // "" loads .env from the current directory

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	if !common.IsHexAddress(cfg.Oracle.TrustedSigner) {
		sugar.Fatalw("invalid_oracle_signer", "value", cfg.Oracle.TrustedSigner,
			"hint", "set ORACLE_TRUSTED_SIGNER to the feed publisher address")
	}
	trustedSigner := common.HexToAddress(cfg.Oracle.TrustedSigner)

	// ---- Markets ----
	markets, err := params.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		sugar.Fatalw("markets_load_failed", "file", cfg.MarketsFile, "err", err)
	}
	registry := market.NewRegistry()
	for _, m := range markets {
		if err := registry.Register(m); err != nil {
			sugar.Fatalw("market_register_failed", "market", m.ID, "err", err)
		}
		sugar.Infow("market_registered", "id", m.ID, "symbol", m.Symbol)
	}

	// ---- Stores ----
	ledger, err := margin.NewLedger(cfg.Storage.AccountsPath)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "path", cfg.Storage.AccountsPath, "err", err)
	}
	defer ledger.Close()

	book, err := perp.OpenBook(cfg.Storage.OrdersPath)
	if err != nil {
		sugar.Fatalw("book_open_failed", "path", cfg.Storage.OrdersPath, "err", err)
	}
	defer book.Close()

	j, err := journal.Open(cfg.Storage.JournalPath)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "path", cfg.Storage.JournalPath, "err", err)
	}
	defer j.Close()

	// ---- Engine ----
	clock := util.RealClock{}
	adapter := oracle.NewAdapter(trustedSigner, clock)
	engine := perp.NewEngine(registry, ledger, adapter, book, j, clock, sugar)

	// ---- API + journal sinks ----
	server := api.NewServer(engine, ledger, registry, j, book, sugar)
	j.AddSink(server.Hub())

	if cfg.Kafka.Enabled {
		sink := journal.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar)
		defer sink.Close()
		j.AddSink(sink)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	go func() {
		if err := server.Start(cfg.API.Addr, cfg.API.AllowedOrigins); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("perpd_started",
		"markets", registry.Count(),
		"accounts", ledger.Count(),
		"pending_orders", book.PendingCount(),
		"journal_len", j.Len())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	sugar.Infow("perpd_shutting_down")
}
