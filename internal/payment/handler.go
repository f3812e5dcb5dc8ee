package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marzgate-bot/internal/config"
	"marzgate-bot/internal/provision"
	"marzgate-bot/internal/utils"
)

// Handler receives payment confirmations and drives them through the
// engine's idempotent claim path. All user-facing messaging lives here, not
// in the engine.
type Handler struct {
	Engine *provision.Engine
	Bot    *telego.Bot
	Cfg    *config.Config
	Log    *zap.Logger
}

func NewHandler(engine *provision.Engine, bot *telego.Bot, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		Engine: engine,
		Bot:    bot,
		Cfg:    cfg,
		Log:    log.Named("webhook"),
	}
}

func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(h.Cfg.WebhookPath, h.handleWebhook)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if ip := clientIP(r); !utils.IsAllowedIP(ip, h.Cfg.AllowedYooIP) {
		h.Log.Warn("webhook from unexpected address", zap.String("ip", ip))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var notification WebhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		h.Log.Warn("failed to decode webhook", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if notification.Event != "payment.succeeded" {
		h.Log.Debug("ignored event", zap.String("event", notification.Event))
		w.WriteHeader(http.StatusOK)
		return
	}

	invoiceID := notification.Object.Metadata["invoice_id"]
	if invoiceID == "" {
		invoiceID = notification.Object.ID
	}

	ent, err := h.Engine.ProcessPaymentSuccess(r.Context(), invoiceID)
	switch {
	case errors.Is(err, provision.ErrInvoiceNotFound):
		h.Log.Warn("payment confirmation for unknown invoice", zap.String("invoice_id", invoiceID))
		http.Error(w, "Not found", http.StatusNotFound)
		return
	case err != nil:
		// Money is captured and the invoice parked; a 5xx makes the
		// provider redeliver, which re-enters the idempotent claim.
		h.Log.Error("payment provisioning failed",
			zap.String("invoice_id", invoiceID), zap.Error(err))
		h.notifyDelayed(r, invoiceID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if ent != nil {
		expiry := "—"
		if ent.ExpiresAt != nil {
			expiry = ent.ExpiresAt.Format("02.01.2006")
		}
		msg := fmt.Sprintf("✅ Оплата прошла успешно!\n\n📅 Подписка действует до: %s\n\n🔗 Ссылка для подключения:\n%s",
			expiry, ent.SubscriptionLink)
		if _, err := h.Bot.SendMessage(r.Context(), tu.Message(tu.ID(ent.TelegramID), msg)); err != nil {
			h.Log.Warn("failed to notify user about payment",
				zap.Int64("telegram_id", ent.TelegramID), zap.Error(err))
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) notifyDelayed(r *http.Request, invoiceID string) {
	inv, err := h.Engine.Invoice(r.Context(), invoiceID)
	if err != nil || inv == nil {
		return
	}
	msg := "✅ Оплата получена, но активация доступа задерживается. Мы включим подписку автоматически в ближайшее время."
	if _, err := h.Bot.SendMessage(r.Context(), tu.Message(tu.ID(inv.TelegramID), msg)); err != nil {
		h.Log.Warn("failed to send delayed-access notice",
			zap.Int64("telegram_id", inv.TelegramID), zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
