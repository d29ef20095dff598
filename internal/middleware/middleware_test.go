package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/knath2000/klk-back-sub001/internal/middleware"
	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

func sign(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestJWTVerifier(t *testing.T) {
	v := middleware.NewJWTVerifier("secret", "klk-auth")
	valid := jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "klk-auth",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	claims, err := v.Verify(sign(t, "secret", jwt.SigningMethodHS256, valid))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)

	_, err = v.Verify("")
	require.ErrorIs(t, err, middleware.ErrMissingToken)

	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	_, err = v.Verify(sign(t, "secret", jwt.SigningMethodHS256, wrongIssuer))
	require.ErrorIs(t, err, middleware.ErrInvalidToken)

	_, err = v.Verify(sign(t, "other-secret", jwt.SigningMethodHS256, valid))
	require.ErrorIs(t, err, middleware.ErrInvalidToken)

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = v.Verify(sign(t, "secret", jwt.SigningMethodHS256, expired))
	require.ErrorIs(t, err, middleware.ErrInvalidToken)

	noSubject := valid
	noSubject.Subject = ""
	_, err = v.Verify(sign(t, "secret", jwt.SigningMethodHS256, noSubject))
	require.ErrorIs(t, err, middleware.ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	require.ErrorIs(t, err, middleware.ErrInvalidToken)
}

func TestAuth(t *testing.T) {
	v := middleware.NewJWTVerifier("secret", "klk-auth")
	var seen string
	h := middleware.Auth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetUserID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := v.Sign(middleware.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", seen)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	require.Equal(t, "from-query", middleware.BearerToken(req))

	req.Header.Set("Authorization", "bearer from-header")
	require.Equal(t, "from-header", middleware.BearerToken(req))

	req.Header.Set("Authorization", "Token nope")
	require.Empty(t, middleware.BearerToken(req))
}

func TestRateLimit(t *testing.T) {
	h := middleware.RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			require.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestLogging(t *testing.T) {
	h := middleware.Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, middleware.GetCorrelationID(r.Context()))
		_, ok := w.(http.Flusher)
		require.True(t, ok)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
}

func TestValidate(t *testing.T) {
	type body struct {
		UserID string `validate:"required,max=5"`
	}
	require.EqualError(t, middleware.Validate(&body{}), "userid is required")
	require.EqualError(t, middleware.Validate(&body{UserID: "toolong"}), "userid exceeds maximum length")
	require.NoError(t, middleware.Validate(&body{UserID: "bob"}))

	require.Error(t, middleware.ValidateMessageContent("  "))
	require.Error(t, middleware.ValidateMessageContent(string([]byte{0xff, 0xfe})))
	require.NoError(t, middleware.ValidateMessageContent("hola"))
}
