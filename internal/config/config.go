package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marzgate-bot/internal/models"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	BotToken string
	AdminIDs []int64

	MarzbanURL       string
	MarzbanKey       string
	MarzbanAdminUser string
	MarzbanAdminPass string
	MarzbanProxy     string
	MarzbanFlow      string
	PublicBaseURL    string

	YookassaShopID string
	YookassaKey    string
	ReturnURL      string
	Currency       string
	AllowedYooIP   []string

	WebhookAddr string
	WebhookPath string

	DefaultTrafficGB  float64
	TrialDays         int
	TrialTrafficGB    float64
	ReferralBonusDays int
}

// Tariffs shown in the purchase menu. Codes are stable: they are persisted
// on invoices and must resolve again when a webhook or retry arrives later.
var tariffTable = []models.Tariff{
	{Code: "1m", Title: "1 месяц", Price: 6.9, Duration: 30 * 24 * time.Hour},
	{Code: "3m", Title: "3 месяца", Price: 17.9, Duration: 90 * 24 * time.Hour},
	{Code: "6m", Title: "6 месяцев", Price: 29.9, Duration: 180 * 24 * time.Hour},
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "marzgate_bot"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs: getEnvIDs("TELEGRAM_ADMIN_IDS"),

		MarzbanURL:       getEnv("MARZBAN_BASE_URL", ""),
		MarzbanKey:       getEnv("MARZBAN_API_KEY", ""),
		MarzbanAdminUser: getEnv("MARZBAN_ADMIN_USER", ""),
		MarzbanAdminPass: getEnv("MARZBAN_ADMIN_PASSWORD", ""),
		MarzbanProxy:     getEnv("MARZBAN_PROXY", ""),
		MarzbanFlow:      getEnv("MARZBAN_FLOW", ""),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", ""),

		YookassaShopID: getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:    getEnv("YOOKASSA_SECRET_KEY", ""),
		ReturnURL:      getEnv("PAYMENT_RETURN_URL", "https://t.me"),
		Currency:       getEnv("PAYMENT_CURRENCY", "RUB"),
		AllowedYooIP: []string{
			"185.71.76.0/27",
			"185.71.77.0/27",
			"77.75.153.0/25",
			"77.75.156.224/28",
			"77.75.154.128/25",
			"2a02:5180::/32",
		},

		WebhookAddr: getEnv("WEBHOOK_ADDR", ":8080"),
		WebhookPath: getEnv("WEBHOOK_PATH", "/payment/webhook"),

		DefaultTrafficGB:  getEnvFloat("DEFAULT_TRAFFIC_GB", 300),
		TrialDays:         getEnvInt("TRIAL_DAYS", 1),
		TrialTrafficGB:    getEnvFloat("TRIAL_TRAFFIC_GB", 5),
		ReferralBonusDays: getEnvInt("REFERRAL_BONUS_DAYS", 7),
	}
}

func (c *Config) Tariffs() []models.Tariff {
	return tariffTable
}

func (c *Config) TariffByCode(code string) (models.Tariff, bool) {
	for _, t := range tariffTable {
		if t.Code == code {
			return t, true
		}
	}
	return models.Tariff{}, false
}

func (c *Config) TrialTariff() models.Tariff {
	return models.Tariff{
		Code:     "trial",
		Title:    "Пробный период",
		Price:    0,
		Duration: time.Duration(c.TrialDays) * 24 * time.Hour,
	}
}

// BonusTariff carries no duration of its own; the referral bonus span is
// passed separately so the grant is attributed to the bonus, not a plan.
func (c *Config) BonusTariff() models.Tariff {
	return models.Tariff{Code: "referral_bonus", Title: "Referral bonus"}
}

func (c *Config) ReferralBonus() time.Duration {
	return time.Duration(c.ReferralBonusDays) * 24 * time.Hour
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvIDs(key string) []int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
