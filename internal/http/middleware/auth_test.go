package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorJWTMissingSecret(t *testing.T) {
	mw := ActorJWT("")
	req := httptest.NewRequest(http.MethodGet, "/bookings/1", nil)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActorJWTMissingHeader(t *testing.T) {
	mw := ActorJWT("secret")
	req := httptest.NewRequest(http.MethodGet, "/bookings/1", nil)
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActorJWTRejectsWrongSecret(t *testing.T) {
	mw := ActorJWT("secret")
	req := httptest.NewRequest(http.MethodGet, "/bookings/1", nil)
	req.Header.Set("Authorization", "Bearer "+SignActorToken(t, "wrong", "cust-1", RoleCustomer))
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActorJWTRejectsUnknownRole(t *testing.T) {
	mw := ActorJWT("secret")
	req := httptest.NewRequest(http.MethodGet, "/bookings/1", nil)
	req.Header.Set("Authorization", "Bearer "+SignActorToken(t, "secret", "x-1", Role("pirate")))
	rec := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActorJWTValidToken(t *testing.T) {
	mw := ActorJWT("secret")
	req := httptest.NewRequest(http.MethodGet, "/bookings/1", nil)
	req.Header.Set("Authorization", "Bearer "+SignActorToken(t, "secret", "ther-9", RoleTherapist))
	rec := httptest.NewRecorder()

	var got Actor
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		require.True(t, ok, "expected actor in context")
		got = actor
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Actor{ID: "ther-9", Role: RoleTherapist}, got)
}

func TestActorJWTWebsocketQueryToken(t *testing.T) {
	mw := ActorJWT("secret")
	req := httptest.NewRequest(http.MethodGet, "/notifications/ws?access_token="+SignActorToken(t, "secret", "cust-1", RoleCustomer), nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()

	called := false
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })).ServeHTTP(rec, req)

	assert.True(t, called)
}

func TestRequireRole(t *testing.T) {
	mw := RequireRole(RoleTherapist)
	tests := []struct {
		name  string
		actor *Actor
		want  int
	}{
		{"no actor", nil, http.StatusUnauthorized},
		{"customer forbidden", &Actor{ID: "c", Role: RoleCustomer}, http.StatusForbidden},
		{"therapist allowed", &Actor{ID: "t", Role: RoleTherapist}, http.StatusOK},
		{"admin allowed", &Actor{ID: "a", Role: RoleAdmin}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/bookings/1/responses", nil)
			if tt.actor != nil {
				req = req.WithContext(WithActor(req.Context(), *tt.actor))
			}
			rec := httptest.NewRecorder()
			mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// SignActorToken issues a short-lived token for tests.
func SignActorToken(t *testing.T, secret, subject string, role Role) string {
	t.Helper()
	claims := ActorClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}
