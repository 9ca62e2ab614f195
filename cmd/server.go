package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"vehicle-radar/internal/api"
	"vehicle-radar/internal/enricher"
	"vehicle-radar/internal/fetcher"
	"vehicle-radar/internal/monitor"
	"vehicle-radar/internal/notifier"
	"vehicle-radar/internal/parser"
	"vehicle-radar/internal/storage"
)

// AppConfig 应用配置。
type AppConfig struct {
	Fetcher  fetcher.Config  `yaml:"fetcher"`
	Monitor  monitor.Config  `yaml:"monitor"`
	Telegram notifier.Config `yaml:"telegram"`
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

func main() {
	// .env 仅承载凭据，其余配置走 yaml。
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Printf("load config error: %v", err)
		return
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "vehicles.db"
	}

	store, err := storage.NewStore(dbPath)
	if err != nil {
		log.Printf("init store error: %v", err)
		return
	}
	defer store.Close()

	client := fetcher.NewClient(cfg.Fetcher, nil)
	normalizer := parser.NewNormalizer(client.BaseURL(), nil)
	enrich := enricher.New(client, nil)

	notif, telegramEnabled, err := buildNotifier(cfg.Telegram)
	if err != nil {
		log.Printf("notifier config error: %v", err)
		return
	}

	mon := monitor.NewMonitor(client, normalizer, enrich, store, notif, cfg.Monitor)
	if len(mon.Searches()) == 0 {
		log.Printf("no enabled searches configured")
		return
	}

	handler := api.NewHandler(store, mon)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{Addr: addr, Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if telegramEnabled && cfg.Telegram.StartupMessage {
		sendStartupMessage(ctx, notif, mon)
	}

	go func() {
		if err := mon.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("monitor stopped: %v", err)
		}
	}()

	log.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() (AppConfig, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// buildNotifier 根据环境变量决定通知通道：两个凭据齐全时用 Telegram，
// 全缺时降级为日志通知器，只缺其一视为配置错误、启动失败。
func buildNotifier(cfg notifier.Config) (monitor.Notifier, bool, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")

	if token == "" && chatID == "" {
		log.Printf("telegram notifier disabled: TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID not set")
		return notifier.NewLogNotifier(nil), false, nil
	}
	if token == "" || chatID == "" {
		return nil, false, errMissingCredential(token)
	}
	return notifier.NewTelegramNotifier(cfg, token, chatID, nil), true, nil
}

func errMissingCredential(token string) error {
	missing := "TELEGRAM_BOT_TOKEN"
	if token != "" {
		missing = "TELEGRAM_CHAT_ID"
	}
	return &configError{missing: missing}
}

type configError struct {
	missing string
}

func (e *configError) Error() string {
	return "missing required environment variable " + e.missing
}

func sendStartupMessage(ctx context.Context, notif monitor.Notifier, mon *monitor.Monitor) {
	names := make([]string, 0, len(mon.Searches()))
	for _, search := range mon.Searches() {
		names = append(names, "• "+search.Name)
	}
	text := "🤖 Vehicle radar started!\n\nChecking every " + mon.CheckInterval().String() + ".\n\nMonitoring:\n" + strings.Join(names, "\n")
	if err := notif.Alert(ctx, text); err != nil {
		log.Printf("startup message: %v", err)
	}
}
