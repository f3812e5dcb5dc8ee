package main

import (
	"log"
	"net/http"

	"go.uber.org/zap"

	"marzgate-bot/internal/bot"
	"marzgate-bot/internal/config"
	"marzgate-bot/internal/database"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/payment"
	"marzgate-bot/internal/provision"
	"marzgate-bot/internal/store"
	"marzgate-bot/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Could not create logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.LoadConfig()

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		logger.Fatal("could not connect to database", zap.Error(err))
	}

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		logger.Fatal("could not connect to redis", zap.Error(err))
	}

	entitlements := store.NewEntitlementStore(db)
	ledger := store.NewPaymentLedger(db)
	referrals := store.NewReferralStore(db)

	panel := marzban.NewClient(marzban.Options{
		BaseURL:       cfg.MarzbanURL,
		APIKey:        cfg.MarzbanKey,
		AdminUser:     cfg.MarzbanAdminUser,
		AdminPassword: cfg.MarzbanAdminPass,
		ProxyProfile:  cfg.MarzbanProxy,
		Flow:          cfg.MarzbanFlow,
	}, logger)

	engine := provision.NewEngine(cfg, entitlements, ledger, panel, logger)

	paymentClient := payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey)

	tgBot, err := bot.NewBot(cfg, engine, entitlements, referrals, ledger, paymentClient, logger)
	if err != nil {
		logger.Fatal("could not create bot", zap.Error(err))
	}

	checker := worker.NewChecker(entitlements, engine, rdb, tgBot.Instance, logger)
	go checker.Start()

	webhook := payment.NewHandler(engine, tgBot.Instance, cfg, logger)
	go func() {
		logger.Info("webhook server listening", zap.String("addr", cfg.WebhookAddr))
		if err := http.ListenAndServe(cfg.WebhookAddr, webhook.Router()); err != nil {
			logger.Fatal("webhook server failed", zap.Error(err))
		}
	}()

	logger.Info("service started")
	tgBot.Start()
}
