package provision

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marzgate-bot/internal/config"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/models"
	"marzgate-bot/internal/store"
)

// fakePanel keeps panel users in memory and counts mutations, so tests can
// assert how many remote calls a reconciliation cycle actually made.
type fakePanel struct {
	mu          sync.Mutex
	users       map[string]*marzban.User
	createCalls int
	extendCalls int

	failWith  error           // every call fails until cleared
	failUsers map[string]bool // calls for these usernames fail
	missOnce  bool            // next GetUser reports absence even if the user exists
	getHook   func()          // runs at the top of GetUser, before any state is touched
}

func (p *fakePanel) userFailure(username string) error {
	if p.failWith != nil {
		return p.failWith
	}
	if p.failUsers[username] {
		return &marzban.APIError{StatusCode: http.StatusBadGateway, Body: "down"}
	}
	return nil
}

func newFakePanel() *fakePanel {
	return &fakePanel{users: make(map[string]*marzban.User)}
}

func (p *fakePanel) GetUser(ctx context.Context, username string) (*marzban.User, error) {
	if p.getHook != nil {
		p.getHook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.userFailure(username); err != nil {
		return nil, err
	}
	if p.missOnce {
		p.missOnce = false
		return nil, marzban.ErrNotFound
	}
	u, ok := p.users[username]
	if !ok {
		return nil, marzban.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (p *fakePanel) CreateUser(ctx context.Context, username string, expireAt time.Time, trafficGB float64) (*marzban.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.userFailure(username); err != nil {
		return nil, err
	}
	if _, ok := p.users[username]; ok {
		return nil, marzban.ErrAlreadyExists
	}
	p.createCalls++
	u := &marzban.User{
		Username:        username,
		UUID:            "uuid-" + username,
		Status:          "active",
		Expire:          expireAt.Unix(),
		DataLimit:       int64(trafficGB * (1 << 30)),
		SubscriptionURL: "https://vpn.example.com/sub/" + username,
	}
	p.users[username] = u
	copied := *u
	return &copied, nil
}

func (p *fakePanel) UpdateUserExpire(ctx context.Context, username string, expireAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.userFailure(username); err != nil {
		return err
	}
	u, ok := p.users[username]
	if !ok {
		return marzban.ErrNotFound
	}
	p.extendCalls++
	u.Expire = expireAt.Unix()
	return nil
}

func (p *fakePanel) SubscriptionLink(ctx context.Context, username string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	return "https://vpn.example.com/sub/" + username, nil
}

func (p *fakePanel) seed(username string, expireAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[username] = &marzban.User{
		Username:        username,
		UUID:            "uuid-" + username,
		Status:          "active",
		Expire:          expireAt.Unix(),
		SubscriptionURL: "https://vpn.example.com/sub/" + username,
	}
}

type testEnv struct {
	engine *Engine
	panel  *fakePanel
	ents   *store.EntitlementStore
	ledger *store.PaymentLedger
	cfg    *config.Config
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Entitlement{}, &models.Invoice{}, &models.Referral{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	cfg := &config.Config{
		MarzbanURL:        "https://panel.example.com",
		PublicBaseURL:     "https://vpn.example.com",
		Currency:          "RUB",
		DefaultTrafficGB:  300,
		TrialDays:         1,
		TrialTrafficGB:    5,
		ReferralBonusDays: 7,
	}
	panel := newFakePanel()
	ents := store.NewEntitlementStore(db)
	ledger := store.NewPaymentLedger(db)

	return &testEnv{
		engine: NewEngine(cfg, ents, ledger, panel, zap.NewNop()),
		panel:  panel,
		ents:   ents,
		ledger: ledger,
		cfg:    cfg,
	}
}

func tariffDays(code string, days int) models.Tariff {
	return models.Tariff{Code: code, Title: code, Price: 1, Duration: time.Duration(days) * 24 * time.Hour}
}

func TestProvisionCreatesPanelUser(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	ent, err := env.engine.Provision(ctx, 100, tariffDays("1m", 30), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, env.panel.createCalls)
	assert.Equal(t, 0, env.panel.extendCalls)
	assert.Equal(t, "tg_100", ent.PanelUsername)
	assert.Equal(t, "uuid-tg_100", ent.PanelUUID)
	assert.Equal(t, "https://vpn.example.com/sub/tg_100", ent.SubscriptionLink)
	assert.Equal(t, float64(300), ent.TrafficLimitGB)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *ent.ExpiresAt, time.Minute)

	stored, err := env.ents.Get(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.WithinDuration(t, *ent.ExpiresAt, *stored.ExpiresAt, time.Second)
}

func TestProvisionExtendsFromFutureExpiry(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	current := time.Now().UTC().Add(10 * 24 * time.Hour).Truncate(time.Second)
	env.panel.seed("tg_100", current)
	require.NoError(t, env.ents.Upsert(ctx, &models.Entitlement{
		TelegramID: 100, PanelUsername: "tg_100", ExpiresAt: &current,
	}))

	ent, err := env.engine.Provision(ctx, 100, tariffDays("1m", 30), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, env.panel.createCalls)
	assert.Equal(t, 1, env.panel.extendCalls)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, current.Add(30*24*time.Hour), *ent.ExpiresAt, time.Second)
}

func TestProvisionNeverShortens(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	// The panel is ahead of the local row: a crash after the remote mutation
	// left the local write behind. The longer grant is the baseline.
	remote := time.Now().UTC().Add(20 * 24 * time.Hour).Truncate(time.Second)
	local := time.Now().UTC().Add(5 * 24 * time.Hour).Truncate(time.Second)
	env.panel.seed("tg_100", remote)
	require.NoError(t, env.ents.Upsert(ctx, &models.Entitlement{
		TelegramID: 100, PanelUsername: "tg_100", ExpiresAt: &local,
	}))

	ent, err := env.engine.Provision(ctx, 100, tariffDays("1m", 30), 0, 0)
	require.NoError(t, err)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, remote.Add(30*24*time.Hour), *ent.ExpiresAt, time.Second)
}

func TestProvisionZeroDurationSkipsExtension(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	current := time.Now().UTC().Add(10 * 24 * time.Hour).Truncate(time.Second)
	env.panel.seed("tg_100", current)

	ent, err := env.engine.Provision(ctx, 100, models.Tariff{Code: "noop"}, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, env.panel.extendCalls)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, current, *ent.ExpiresAt, time.Second)
}

func TestProvisionCreateConflictSyncs(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	// The user exists but the first lookup misses it, as when a concurrent
	// cycle created it between our lookup and our create.
	current := time.Now().UTC().Add(5 * 24 * time.Hour).Truncate(time.Second)
	env.panel.seed("tg_100", current)
	env.panel.missOnce = true

	ent, err := env.engine.Provision(ctx, 100, tariffDays("1m", 30), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, env.panel.createCalls)
	assert.Equal(t, 1, env.panel.extendCalls)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *ent.ExpiresAt, time.Minute)
}

func TestProcessPaymentSuccessIsIdempotent(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, env.ledger.CreateInvoice(ctx, "inv-1", 100, tariffDays("1m", 30), "RUB"))

	ent, err := env.engine.ProcessPaymentSuccess(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, ent)
	first := *ent.ExpiresAt

	// Redelivered confirmation: same entitlement back, no panel traffic.
	ent, err = env.engine.ProcessPaymentSuccess(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.WithinDuration(t, first, *ent.ExpiresAt, time.Second)
	assert.Equal(t, 1, env.panel.createCalls)
	assert.Equal(t, 0, env.panel.extendCalls)
}

func TestProcessPaymentSuccessUnknownInvoice(t *testing.T) {
	env := setupEngine(t)
	_, err := env.engine.ProcessPaymentSuccess(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestProcessPaymentSuccessUnknownTariff(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, env.ledger.CreateInvoice(ctx, "inv-1", 100, models.Tariff{Code: "gone"}, "RUB"))

	_, err := env.engine.ProcessPaymentSuccess(ctx, "inv-1")
	assert.ErrorIs(t, err, ErrUnknownTariff)

	inv, err := env.ledger.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaidPending, inv.Status)
}

func TestPaymentFailureParksInvoiceUntilRetry(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	require.NoError(t, env.ledger.CreateInvoice(ctx, "inv-1", 100, testEngineTariff(), "RUB"))

	env.panel.failWith = &marzban.APIError{StatusCode: http.StatusBadGateway, Body: "down"}
	_, err := env.engine.ProcessPaymentSuccess(ctx, "inv-1")
	require.Error(t, err)

	inv, err := env.ledger.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaidPending, inv.Status)

	// Panel still down: the invoice stays parked.
	recovered, err := env.engine.RetryPendingAccess(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	env.panel.failWith = nil
	recovered, err = env.engine.RetryPendingAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	inv, err = env.ledger.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, inv.Status)

	ent, err := env.ents.Get(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, ent)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *ent.ExpiresAt, time.Minute)
}

func TestPendingRetryRacingRedeliveryGrantsOnce(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, env.ledger.CreateInvoice(ctx, "inv-1", 100, testEngineTariff(), "RUB"))
	won, err := env.ledger.Claim(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, env.ledger.MarkPendingAccess(ctx, "inv-1"))

	// Hold the sweep inside its panel lookup, after it has claimed the
	// invoice, and let a redelivered confirmation arrive in that window.
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	env.panel.getHook = func() {
		once.Do(func() {
			close(entered)
			<-gate
		})
	}

	sweepDone := make(chan error, 1)
	var recovered int
	go func() {
		var sweepErr error
		recovered, sweepErr = env.engine.RetryPendingAccess(ctx)
		sweepDone <- sweepErr
	}()
	<-entered

	_, err = env.engine.ProcessPaymentSuccess(ctx, "inv-1")
	require.NoError(t, err)

	close(gate)
	require.NoError(t, <-sweepDone)
	assert.Equal(t, 1, recovered)

	// One captured payment, one grant: 30 days, a single panel mutation.
	assert.Equal(t, 1, env.panel.createCalls+env.panel.extendCalls)
	ent, err := env.ents.Get(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, ent)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *ent.ExpiresAt, time.Minute)

	inv, err := env.ledger.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, inv.Status)
}

func TestConcurrentTrialGrantsOnce(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.ProvisionTrial(ctx, 100)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	granted, refused := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			granted++
		case assert.ErrorIs(t, err, ErrTrialAlreadyUsed):
			refused++
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, callers-1, refused)
	assert.Equal(t, 1, env.panel.createCalls)

	ent, err := env.ents.Get(ctx, 100)
	require.NoError(t, err)
	assert.True(t, ent.TrialUsed)
	assert.Equal(t, float64(5), ent.TrafficLimitGB)
	require.NotNil(t, ent.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), *ent.ExpiresAt, time.Minute)
}

func TestReferralBonusAppliedOnce(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	// The referrer already holds a grant.
	_, err := env.engine.Provision(ctx, 7, tariffDays("1m", 30), 0, 0)
	require.NoError(t, err)
	referrerBefore, err := env.ents.Get(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, env.ents.EnsureRow(ctx, 100))
	won, err := env.ents.SetReferrer(ctx, 100, 7)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, env.ledger.CreateInvoice(ctx, "inv-1", 100, testEngineTariff(), "RUB"))
	require.NoError(t, env.ledger.CreateInvoice(ctx, "inv-2", 100, testEngineTariff(), "RUB"))

	_, err = env.engine.ProcessPaymentSuccess(ctx, "inv-1")
	require.NoError(t, err)

	referrerAfterFirst, err := env.ents.Get(ctx, 7)
	require.NoError(t, err)
	assert.WithinDuration(t,
		referrerBefore.ExpiresAt.Add(7*24*time.Hour),
		*referrerAfterFirst.ExpiresAt, time.Second)

	// A second purchase by the same referred subscriber earns nothing more.
	_, err = env.engine.ProcessPaymentSuccess(ctx, "inv-2")
	require.NoError(t, err)

	referrerAfterSecond, err := env.ents.Get(ctx, 7)
	require.NoError(t, err)
	assert.WithinDuration(t, *referrerAfterFirst.ExpiresAt, *referrerAfterSecond.ExpiresAt, time.Second)

	referred, err := env.ents.Get(ctx, 100)
	require.NoError(t, err)
	assert.True(t, referred.ReferralBonusApplied)
}

func TestReferralBonusFailureDoesNotFailPayment(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	require.NoError(t, env.ents.EnsureRow(ctx, 100))
	won, err := env.ents.SetReferrer(ctx, 100, 7)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, env.ledger.CreateInvoice(ctx, "inv-1", 100, testEngineTariff(), "RUB"))

	// Only the referrer's panel identity is broken; the cascade fails but the
	// referred subscriber's payment flow must still succeed.
	env.panel.failUsers = map[string]bool{"tg_7": true}

	ent, err := env.engine.ProcessPaymentSuccess(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, ent)

	inv, err := env.ledger.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, inv.Status)
}

func TestWholeDaysBetween(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0, wholeDaysBetween(now, now))
	assert.Equal(t, 0, wholeDaysBetween(now, now.Add(-time.Hour)))
	assert.Equal(t, 1, wholeDaysBetween(now, now.Add(time.Hour)))
	assert.Equal(t, 1, wholeDaysBetween(now, now.Add(24*time.Hour)))
	assert.Equal(t, 2, wholeDaysBetween(now, now.Add(25*time.Hour)))
}

func testEngineTariff() models.Tariff {
	return tariffDays("1m", 30)
}
