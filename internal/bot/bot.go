package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"marzgate-bot/internal/config"
	"marzgate-bot/internal/payment"
	"marzgate-bot/internal/provision"
	"marzgate-bot/internal/store"
)

type Bot struct {
	Instance      *telego.Bot
	Engine        *provision.Engine
	Entitlements  *store.EntitlementStore
	Referrals     *store.ReferralStore
	Ledger        *store.PaymentLedger
	PaymentClient *payment.Client
	Cfg           *config.Config
	Log           *zap.Logger
}

func NewBot(cfg *config.Config, engine *provision.Engine, ents *store.EntitlementStore, refs *store.ReferralStore, ledger *store.PaymentLedger, paymentClient *payment.Client, log *zap.Logger) (*Bot, error) {
	tgBot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance:      tgBot,
		Engine:        engine,
		Entitlements:  ents,
		Referrals:     refs,
		Ledger:        ledger,
		PaymentClient: paymentClient,
		Cfg:           cfg,
		Log:           log.Named("bot"),
	}, nil
}

func mainKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🚀 Купить VPN").WithCallbackData("buy"),
			tu.InlineKeyboardButton("🎁 Пробный период").WithCallbackData("trial"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📊 Моя подписка").WithCallbackData("status"),
			tu.InlineKeyboardButton("🤝 Пригласить друга").WithCallbackData("invite"),
		),
	)
}

func (b *Bot) Start() {
	updates, _ := b.Instance.UpdatesViaLongPolling(context.Background(), nil)

	handler, _ := th.NewBotHandler(b.Instance, updates)

	// /start, with an optional ref<id> deeplink payload
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		if err := b.Entitlements.EnsureRow(ctx.Context(), telegramID); err != nil {
			b.Log.Error("failed to ensure entitlement row",
				zap.Int64("telegram_id", telegramID), zap.Error(err))
		}

		args := ""
		if parts := strings.Split(message.Text, " "); len(parts) > 1 {
			args = parts[1]
		}
		if strings.HasPrefix(args, "ref") {
			if referrerID, err := strconv.ParseInt(strings.TrimPrefix(args, "ref"), 10, 64); err == nil {
				b.registerReferral(ctx.Context(), telegramID, referrerID)
			}
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			fmt.Sprintf("Привет, %s! 👋\n\nЯ выдаю доступ к VPN. Выбирай действие:", message.From.FirstName),
		).WithReplyMarkup(mainKeyboard()))
		return nil
	}, th.CommandEqual("start"))

	// Tariff menu
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery

		var rows [][]telego.InlineKeyboardButton
		for _, tariff := range b.Cfg.Tariffs() {
			label := fmt.Sprintf("%s — %.2f %s", tariff.Title, tariff.Price, b.Cfg.Currency)
			rows = append(rows, tu.InlineKeyboardRow(
				tu.InlineKeyboardButton(label).WithCallbackData("tariff_"+tariff.Code),
			))
		}
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("« Назад").WithCallbackData("start_back"),
		))

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID),
			"📊 Выберите тариф:",
		).WithReplyMarkup(tu.InlineKeyboard(rows...)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("buy"))

	// Purchase: record the intent, then hand the user to the provider
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID
		code := strings.TrimPrefix(callback.Data, "tariff_")

		tariff, ok := b.Cfg.TariffByCode(code)
		if !ok {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Неизвестный тариф."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		if err := b.Entitlements.EnsureRow(ctx.Context(), telegramID); err != nil {
			b.Log.Error("failed to ensure entitlement row",
				zap.Int64("telegram_id", telegramID), zap.Error(err))
		}

		invoiceID := uuid.New().String()
		if err := b.Ledger.CreateInvoice(ctx.Context(), invoiceID, telegramID, tariff, b.Cfg.Currency); err != nil {
			b.Log.Error("failed to record invoice",
				zap.String("invoice_id", invoiceID), zap.Error(err))
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Ошибка при создании платежа."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		metadata := map[string]string{
			"invoice_id":  invoiceID,
			"telegram_id": strconv.FormatInt(telegramID, 10),
		}
		resp, err := b.PaymentClient.CreatePayment(ctx.Context(), tariff.Price, b.Cfg.Currency,
			"VPN: "+tariff.Title, b.Cfg.ReturnURL, metadata)
		if err != nil {
			b.Log.Error("failed to create provider payment",
				zap.String("invoice_id", invoiceID), zap.Error(err))
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Ошибка при создании платежа."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			fmt.Sprintf("💳 Оплата тарифа «%s»:\n%s\n\nПосле оплаты доступ включится автоматически.",
				tariff.Title, resp.Confirmation.ConfirmationURL),
		))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataPrefix("tariff_"))

	// Trial activation, once per subscriber
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		ent, err := b.Engine.ProvisionTrial(ctx.Context(), telegramID)
		switch {
		case errors.Is(err, provision.ErrTrialAlreadyUsed):
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(telegramID), "⚠️ Пробный период уже был использован."))
		case err != nil:
			b.Log.Error("trial provisioning failed",
				zap.Int64("telegram_id", telegramID), zap.Error(err))
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(telegramID), "❌ Не удалось активировать пробный период. Попробуйте позже."))
		default:
			expiry := "—"
			if ent.ExpiresAt != nil {
				expiry = ent.ExpiresAt.Format("02.01.2006 15:04")
			}
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(telegramID),
				fmt.Sprintf("🎁 Пробный период активирован!\n\n📅 До: %s\n\n🔗 Ссылка для подключения:\n%s",
					expiry, ent.SubscriptionLink),
			))
		}
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("trial"))

	// Subscription status
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		snapshot, err := b.Engine.Status(ctx.Context(), telegramID)
		if err != nil {
			b.Log.Error("status lookup failed",
				zap.Int64("telegram_id", telegramID), zap.Error(err))
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Не удалось получить статус."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}
		if snapshot == nil || snapshot.Entitlement.ExpiresAt == nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(telegramID), "У вас пока нет подписки. Нажмите «Купить VPN» или активируйте пробный период."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		ent := snapshot.Entitlement
		msg := fmt.Sprintf("📊 Подписка действует до: %s", ent.ExpiresAt.Format("02.01.2006 15:04"))
		if snapshot.TrafficUsedGB >= 0 && snapshot.TrafficLimitGB > 0 {
			msg += fmt.Sprintf("\n📶 Трафик: %.1f / %.0f ГБ", snapshot.TrafficUsedGB, snapshot.TrafficLimitGB)
		}
		if ent.SubscriptionLink != "" {
			msg += "\n\n🔗 Ссылка для подключения:\n" + ent.SubscriptionLink
		}
		if snapshot.Stale {
			msg += "\n\n⚠️ Сервер временно недоступен, показаны последние известные данные."
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("status"))

	// Referral link and stats
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		botUsername := ""
		if info, err := b.Instance.GetMe(ctx.Context()); err == nil {
			botUsername = info.Username
		}
		refLink := fmt.Sprintf("https://t.me/%s?start=ref%d", botUsername, telegramID)

		invited, err := b.Referrals.CountByReferrer(ctx.Context(), telegramID)
		if err != nil {
			b.Log.Error("failed to count referrals",
				zap.Int64("telegram_id", telegramID), zap.Error(err))
		}

		msg := fmt.Sprintf("🤝 Приглашай друзей и получай +%d дней за первую оплату каждого!\n\n👥 Приглашено: %d\n\n🔗 Твоя ссылка:\n%s",
			b.Cfg.ReferralBonusDays, invited, refLink)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("invite"))

	// Back to the main menu
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(callback.From.ID),
			"Выбирай действие:",
		).WithReplyMarkup(mainKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("start_back"))

	// /stats: operator overview
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID
		if !b.Cfg.IsAdmin(telegramID) {
			return nil
		}

		total, err := b.Entitlements.Count(ctx.Context())
		if err != nil {
			b.Log.Error("failed to count subscribers", zap.Error(err))
			return nil
		}
		active, err := b.Entitlements.ActiveCount(ctx.Context(), time.Now().UTC())
		if err != nil {
			b.Log.Error("failed to count active subscriptions", zap.Error(err))
			return nil
		}
		paidCount, paidTotal, err := b.Ledger.PaidSummary(ctx.Context())
		if err != nil {
			b.Log.Error("failed to summarize payments", zap.Error(err))
			return nil
		}
		pending, err := b.Ledger.ListPendingAccess(ctx.Context())
		if err != nil {
			b.Log.Error("failed to list pending invoices", zap.Error(err))
			return nil
		}

		msg := fmt.Sprintf("📈 Статистика\n\n👥 Пользователей: %d\n✅ Активных подписок: %d\n💰 Оплат: %d на сумму %.2f %s\n⏳ Ожидают выдачи: %d",
			total, active, paidCount, paidTotal, b.Cfg.Currency, len(pending))
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg))
		return nil
	}, th.CommandEqual("stats"))

	// /retry: operator-driven recovery for captured-but-not-granted invoices
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID
		if !b.Cfg.IsAdmin(telegramID) {
			return nil
		}

		recovered, err := b.Engine.RetryPendingAccess(ctx.Context())
		if err != nil {
			b.Log.Error("pending access retry failed", zap.Error(err))
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Ошибка при повторной выдаче."))
			return nil
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			fmt.Sprintf("🔁 Повторная выдача завершена, восстановлено платежей: %d", recovered),
		))
		return nil
	}, th.CommandEqual("retry"))

	handler.Start()
}

func (b *Bot) registerReferral(ctx context.Context, telegramID, referrerID int64) {
	won, err := b.Entitlements.SetReferrer(ctx, telegramID, referrerID)
	if err != nil {
		b.Log.Error("failed to set referrer",
			zap.Int64("telegram_id", telegramID),
			zap.Int64("referrer_id", referrerID),
			zap.Error(err),
		)
		return
	}
	if !won {
		return
	}
	if _, err := b.Referrals.Register(ctx, referrerID, telegramID); err != nil {
		b.Log.Error("failed to record referral edge",
			zap.Int64("telegram_id", telegramID),
			zap.Int64("referrer_id", referrerID),
			zap.Error(err),
		)
		return
	}
	b.Log.Info("referral registered",
		zap.Int64("telegram_id", telegramID),
		zap.Int64("referrer_id", referrerID),
	)
}
