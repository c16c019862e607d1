package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	_ "github.com/joho/godotenv/autoload"

	"github.com/romanzzaa/coinwatch-bot/internal/bot"
	"github.com/romanzzaa/coinwatch-bot/internal/config"
	"github.com/romanzzaa/coinwatch-bot/internal/domain"
	"github.com/romanzzaa/coinwatch-bot/internal/infrastructure/cache"
	"github.com/romanzzaa/coinwatch-bot/internal/infrastructure/coingecko"
	"github.com/romanzzaa/coinwatch-bot/internal/infrastructure/database"
	"github.com/romanzzaa/coinwatch-bot/internal/metrics"
	"github.com/romanzzaa/coinwatch-bot/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := database.NewConnection(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	chatRepo := database.NewChatRepository(db)
	subRepo := database.NewSubscriptionRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)

	geckoClient := coingecko.NewClient(cfg.Coingecko.BaseURL, cfg.Coingecko.Timeout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Интерактивные команды ходят через кэш котировок, если настроен
	// Redis; планировщик всегда бьет в провайдера напрямую.
	var commandSource domain.PriceSource = geckoClient
	if cfg.Redis.Addr != "" {
		cached, err := cache.NewCachedSource(ctx, geckoClient,
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer cached.Close()
		commandSource = cached
		logger.Info("quote cache enabled", slog.String("addr", cfg.Redis.Addr))
	}

	tgBot, err := tgbotapi.NewBotAPIWithClient(cfg.Telegram.BotToken, tgbotapi.APIEndpoint,
		&http.Client{Timeout: cfg.Telegram.Timeout})
	if err != nil {
		logger.Error("failed to init telegram bot", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tgBot.Debug = false
	logger.Info("Telegram bot authorized", slog.String("username", tgBot.Self.UserName))

	notifier := bot.NewNotifier(tgBot)
	m := metrics.New()

	engine := scheduler.New(subRepo, alertRepo, chatRepo, geckoClient, notifier, m, logger, scheduler.Config{
		Tick:          cfg.Scheduler.Tick,
		FetchTimeout:  cfg.Scheduler.FetchTimeout,
		NotifyTimeout: cfg.Scheduler.NotifyTimeout,
		Workers:       cfg.Scheduler.Workers,
	})

	botHandler := bot.NewHandler(tgBot, chatRepo, subRepo, alertRepo, commandSource,
		cfg.Scheduler.DefaultInterval, logger)

	logger.Info("Starting bot...",
		slog.String("env", cfg.Env),
		slog.Duration("tick", cfg.Scheduler.Tick))

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()
	go botHandler.Start(ctx)
	go metrics.Serve(ctx, cfg.MetricsAddr, m, logger)

	<-ctx.Done()
	// Run вернется только когда начатый цикл, если он был, доработает.
	<-engineDone
	logger.Info("Bot stopped gracefully")
}
