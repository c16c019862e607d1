package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"

	"github.com/romanzzaa/coinwatch-bot/internal/config"
	"github.com/romanzzaa/coinwatch-bot/internal/domain"
	"github.com/romanzzaa/coinwatch-bot/internal/infrastructure/database"
)

// Наполняет локальную базу тестовым чатом, одной подпиской и одним алертом,
// чтобы планировщику было что жевать без похода в Telegram.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	if cfg.Env != "local" {
		log.Fatal("Seeder allowed only in local environment")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := database.NewConnection(database.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, DBName: cfg.Database.DBName, SSLMode: cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	chatRepo := database.NewChatRepository(db)
	subRepo := database.NewSubscriptionRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)

	ctx := context.Background()

	const testChatID = int64(12345)

	if err := chatRepo.Ensure(ctx, testChatID); err != nil {
		log.Fatalf("Failed to create chat: %v", err)
	}
	log.Printf("Chat %d ready", testChatID)

	sub := &domain.Subscription{
		ChatID:   testChatID,
		Coin:     "bitcoin",
		Currency: "usd",
		Interval: 5 * time.Minute,
	}
	if err := subRepo.Upsert(ctx, sub); err != nil {
		log.Fatalf("Failed to create subscription: %v", err)
	}
	log.Printf("Subscription created! ID: %d", sub.ID)

	rules, _ := alertRepo.ListByChat(ctx, testChatID)
	if len(rules) > 0 {
		log.Printf("Found %d alerts for test chat. Skipping creation.", len(rules))
		return
	}

	rule := &domain.AlertRule{
		ChatID:    testChatID,
		Coin:      "bitcoin",
		Currency:  "usd",
		Threshold: decimal.NewFromInt(100000),
		Direction: domain.DirectionAbove,
	}
	if err := alertRepo.Create(ctx, rule); err != nil {
		log.Fatalf("Failed to create alert: %v", err)
	}
	log.Printf("Alert created! ID: %d", rule.ID)
}
