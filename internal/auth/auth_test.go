package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"metering-gateway/internal/common/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(testSecret)
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator_ShortSecret(t *testing.T) {
	_, err := NewAuthenticator("short")
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuthenticator(t)

	dashboard, err := a.Issue(KindDashboard, "acc-1", time.Hour)
	require.NoError(t, err)
	instance, err := a.Issue(KindInstance, "inst-1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		kind       Kind
		wantErr    bool
		wantAcct   string
		wantInstID string
	}{
		{name: "dashboard with bearer prefix", header: "Bearer " + dashboard, kind: KindDashboard, wantAcct: "acc-1"},
		{name: "dashboard without prefix", header: dashboard, kind: KindDashboard, wantAcct: "acc-1"},
		{name: "instance", header: "bearer " + instance, kind: KindInstance, wantInstID: "inst-1"},
		{name: "instance token on dashboard route", header: instance, kind: KindDashboard, wantErr: true},
		{name: "dashboard token on instance route", header: dashboard, kind: KindInstance, wantErr: true},
		{name: "missing header", header: "", kind: KindDashboard, wantErr: true},
		{name: "garbage", header: "Bearer not-a-jwt", kind: KindInstance, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/enedis/api/v4/metering_data/daily_consumption", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			id, err := a.Authenticate(req, tt.kind)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, id.Kind)
			assert.Equal(t, tt.wantAcct, id.AccountID)
			assert.Equal(t, tt.wantInstID, id.InstanceID)
		})
	}
}

func TestParse_Expired(t *testing.T) {
	a := newTestAuthenticator(t)
	issuedAt := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return issuedAt }

	token, err := a.Issue(KindDashboard, "acc-1", time.Minute)
	require.NoError(t, err)

	a.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, err = a.Parse(token, KindDashboard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestParse_RejectsOtherSecretAndAlgorithm(t *testing.T) {
	a := newTestAuthenticator(t)

	other, err := NewAuthenticator("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)
	foreign, err := other.Issue(KindDashboard, "acc-1", time.Hour)
	require.NoError(t, err)
	_, err = a.Parse(foreign, KindDashboard)
	assert.Error(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		AccountID: "acc-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Parse(unsigned, KindDashboard)
	assert.Error(t, err)
}

func TestParse_RequiresExpiry(t *testing.T) {
	a := newTestAuthenticator(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{AccountID: "acc-1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = a.Parse(token, KindDashboard)
	assert.Error(t, err)
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &Identity{Kind: KindInstance, InstanceID: "inst-1"})
	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "inst-1", id.InstanceID)
}
