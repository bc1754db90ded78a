package oauth2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"metering-gateway/internal/circuitbreaker"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/locks"
	"metering-gateway/internal/redis"
)

// fakeProvider is a token endpoint that counts calls per grant type.
type fakeProvider struct {
	server *httptest.Server

	mu        sync.Mutex
	forms     []map[string]string
	exchanges int32
	refreshes int32

	status      int
	delay       time.Duration
	omitRefresh bool
	usagePoints string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{status: http.StatusOK, usagePoints: "PDL1,PDL2"}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	p.mu.Lock()
	p.forms = append(p.forms, form)
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	var n int32
	switch form["grant_type"] {
	case "authorization_code":
		n = atomic.AddInt32(&p.exchanges, 1)
	case "refresh_token":
		n = atomic.AddInt32(&p.refreshes, 1)
	}

	if p.status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.status)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}

	body := map[string]interface{}{
		"access_token": "access-" + form["grant_type"] + "-" + string(rune('0'+n)),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "fr_be_cons_detail_load_curve",
	}
	if !p.omitRefresh {
		body["refresh_token"] = "refresh-" + string(rune('0'+n))
	}
	if p.usagePoints != "" {
		body["usage_points_id"] = p.usagePoints
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (p *fakeProvider) lastForm() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.forms) == 0 {
		return nil
	}
	return p.forms[len(p.forms)-1]
}

type memoryUsagePoints struct {
	mu     sync.Mutex
	points map[string][]string
}

func (m *memoryUsagePoints) SaveUsagePoints(_ context.Context, accountID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.points == nil {
		m.points = map[string][]string{}
	}
	m.points[accountID] = ids
	return nil
}

func (m *memoryUsagePoints) DeleteUsagePoints(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, accountID)
	return nil
}

func (m *memoryUsagePoints) get(accountID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[accountID]
}

type brokerFixture struct {
	provider    *fakeProvider
	mr          *miniredis.Miniredis
	redis       *redis.Client
	store       *RedisTokenStore
	usagePoints *memoryUsagePoints
}

func setupFixture(t *testing.T) *brokerFixture {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &brokerFixture{
		provider:    newFakeProvider(t),
		mr:          mr,
		redis:       client,
		store:       NewRedisTokenStore(client, nil),
		usagePoints: &memoryUsagePoints{},
	}
}

func (f *brokerFixture) newBroker(t *testing.T) *Broker {
	t.Helper()
	return f.newBrokerWithBreaker(t, nil)
}

func (f *brokerFixture) newBrokerWithBreaker(t *testing.T, breaker circuitbreaker.Breaker) *Broker {
	t.Helper()
	lockManager, err := locks.NewRedsyncManager(f.redis, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { lockManager.Close() })

	return NewBroker(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     f.provider.server.URL + "/oauth2/v3/token",
		RedirectURL:  "https://app.example.com/enedis/callback",
		Timeout:      2 * time.Second,
		LockTTL:      5 * time.Second,
	}, f.store, lockManager, f.usagePoints, breaker, f.provider.server.Client(), nil, logging.NewNopLogger())
}

func (f *brokerFixture) seed(t *testing.T, accountID string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), &TokenRecord{
		AccountID:    accountID,
		AccessToken:  "stale-access",
		RefreshToken: "seed-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		UpdatedAt:    time.Now(),
	}))
}

func TestBroker_Finalize(t *testing.T) {
	f := setupFixture(t)
	broker := f.newBroker(t)

	record, err := broker.Finalize(context.Background(), "acc-1", "auth-code", nil)
	require.NoError(t, err)

	form := f.provider.lastForm()
	assert.Equal(t, "authorization_code", form["grant_type"])
	assert.Equal(t, "auth-code", form["code"])
	assert.Equal(t, "client-id", form["client_id"])
	assert.Equal(t, "client-secret", form["client_secret"])
	assert.Equal(t, "https://app.example.com/enedis/callback", form["redirect_uri"])

	assert.Equal(t, "refresh-1", record.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), record.ExpiresAt, 5*time.Second)
	assert.Equal(t, "fr_be_cons_detail_load_curve", record.Scope)
	assert.Equal(t, []string{"PDL1", "PDL2"}, f.usagePoints.get("acc-1"))

	stored, err := f.store.Load(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, record.AccessToken, stored.AccessToken)
}

func TestBroker_FinalizeFallsBackToRequestUsagePoints(t *testing.T) {
	f := setupFixture(t)
	f.provider.usagePoints = ""
	broker := f.newBroker(t)

	_, err := broker.Finalize(context.Background(), "acc-1", "auth-code", []string{"PDL9", " PDL9 ", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"PDL9"}, f.usagePoints.get("acc-1"))
}

func TestBroker_FinalizePrefersProviderUsagePoints(t *testing.T) {
	f := setupFixture(t)
	broker := f.newBroker(t)

	_, err := broker.Finalize(context.Background(), "acc-1", "auth-code", []string{"PDL9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"PDL1", "PDL2"}, f.usagePoints.get("acc-1"))
}

func TestBroker_FinalizeRejectedCode(t *testing.T) {
	f := setupFixture(t)
	f.provider.status = http.StatusBadRequest
	broker := f.newBroker(t)

	_, err := broker.Finalize(context.Background(), "acc-1", "bad-code", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUpstreamAuth))

	stored, err := f.store.Load(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Nil(t, f.usagePoints.get("acc-1"))
}

func TestBroker_FinalizeRequiresCode(t *testing.T) {
	f := setupFixture(t)
	broker := f.newBroker(t)

	_, err := broker.Finalize(context.Background(), "acc-1", "", nil)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.Zero(t, atomic.LoadInt32(&f.provider.exchanges))
}

func TestBroker_GetValidTokenReusesFreshToken(t *testing.T) {
	f := setupFixture(t)
	broker := f.newBroker(t)

	record, err := broker.Finalize(context.Background(), "acc-1", "auth-code", nil)
	require.NoError(t, err)

	token, err := broker.GetValidToken(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, record.AccessToken, token)
	assert.Zero(t, atomic.LoadInt32(&f.provider.refreshes))
}

func TestBroker_GetValidTokenRefreshesInsideSafetyMargin(t *testing.T) {
	f := setupFixture(t)
	f.seed(t, "acc-1", time.Now().Add(30*time.Second))
	broker := f.newBroker(t)

	token, err := broker.GetValidToken(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.NotEqual(t, "stale-access", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.refreshes))

	form := f.provider.lastForm()
	assert.Equal(t, "refresh_token", form["grant_type"])
	assert.Equal(t, "seed-refresh", form["refresh_token"])

	stored, err := f.store.Load(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, token, stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
	assert.False(t, f.mr.Exists("lock:token-refresh:acc-1"))
}

func TestBroker_RefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	f := setupFixture(t)
	f.provider.omitRefresh = true
	f.seed(t, "acc-1", time.Now().Add(-time.Minute))
	broker := f.newBroker(t)

	_, err := broker.GetValidToken(context.Background(), "acc-1")
	require.NoError(t, err)

	stored, err := f.store.Load(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "seed-refresh", stored.RefreshToken)
}

func TestBroker_ConcurrentRefreshHappensOnce(t *testing.T) {
	f := setupFixture(t)
	f.provider.delay = 50 * time.Millisecond
	f.seed(t, "acc-1", time.Now().Add(-time.Minute))

	// Two brokers stand in for two gateway instances sharing Redis.
	brokers := []*Broker{f.newBroker(t), f.newBroker(t)}

	const callers = 20
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = brokers[i%2].GetValidToken(context.Background(), "acc-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.refreshes))
}

func TestBroker_RefreshRejected(t *testing.T) {
	f := setupFixture(t)
	f.provider.status = http.StatusBadRequest
	f.seed(t, "acc-1", time.Now().Add(-time.Minute))
	broker := f.newBroker(t)

	_, err := broker.GetValidToken(context.Background(), "acc-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUpstreamAuth))
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, http.StatusBadRequest, errors.HTTPStatus(err))

	stored, err := f.store.Load(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "stale-access", stored.AccessToken, "failed refresh must not touch the record")
}

func TestBroker_RefreshProviderDown(t *testing.T) {
	f := setupFixture(t)
	f.provider.status = http.StatusServiceUnavailable
	f.seed(t, "acc-1", time.Now().Add(-time.Minute))
	broker := f.newBroker(t)

	_, err := broker.GetValidToken(context.Background(), "acc-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUpstreamAuth))

	// The cause keeps the provider status for the breaker and the logs.
	appErr, ok := errors.As(err)
	require.True(t, ok)
	cause, ok := errors.As(appErr.Cause)
	require.True(t, ok)
	assert.Equal(t, errors.ErrTypeUpstreamServer, cause.Type)
	assert.Equal(t, http.StatusServiceUnavailable, cause.Status)

	// An outage is worth another attempt and is reported as one.
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, http.StatusServiceUnavailable, errors.HTTPStatus(err))
}

func TestBroker_RefreshBreakerOpen(t *testing.T) {
	f := setupFixture(t)
	f.provider.status = http.StatusServiceUnavailable
	f.seed(t, "acc-1", time.Now().Add(-time.Minute))
	breaker := circuitbreaker.NewGoBreaker("oauth-token", circuitbreaker.Config{
		MaxFailures:           1,
		Timeout:               time.Minute,
		MaxConcurrentRequests: 1,
	}, logging.NewNopLogger())
	broker := f.newBrokerWithBreaker(t, breaker)

	_, err := broker.GetValidToken(context.Background(), "acc-1")
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	_, err = broker.GetValidToken(context.Background(), "acc-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUpstreamAuth))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, http.StatusServiceUnavailable, errors.HTTPStatus(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.refreshes))
}

func TestBroker_GetValidTokenNotLinked(t *testing.T) {
	f := setupFixture(t)
	broker := f.newBroker(t)

	_, err := broker.GetValidToken(context.Background(), "unknown")
	assert.True(t, errors.IsType(err, errors.ErrTypeForbidden))
	assert.Zero(t, atomic.LoadInt32(&f.provider.refreshes))
}

func TestBroker_Unlink(t *testing.T) {
	f := setupFixture(t)
	broker := f.newBroker(t)

	_, err := broker.Finalize(context.Background(), "acc-1", "auth-code", nil)
	require.NoError(t, err)

	require.NoError(t, broker.Unlink(context.Background(), "acc-1"))
	assert.False(t, f.mr.Exists("enedis:token:acc-1"))
	assert.Nil(t, f.usagePoints.get("acc-1"))

	_, err = broker.GetValidToken(context.Background(), "acc-1")
	assert.True(t, errors.IsType(err, errors.ErrTypeForbidden))

	// Unlinking twice is harmless.
	assert.NoError(t, broker.Unlink(context.Background(), "acc-1"))
}
