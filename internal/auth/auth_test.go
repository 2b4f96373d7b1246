package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	j := JWT{Secret: []byte("s3cret"), TokenTTL: time.Hour}
	tok, exp, err := j.Sign(SignalClaims("tradingview", 3, 7))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := j.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "tradingview", claims.Subject)
	require.Equal(t, RoleSignal, claims.Role)
	require.Equal(t, []uint64{3, 7}, claims.Strategies)
	require.Equal(t, issuer, claims.Issuer)

	_, err = JWT{Secret: []byte("other")}.Verify(tok)
	require.Error(t, err)
}

func TestVerifyExpired(t *testing.T) {
	j := JWT{Secret: []byte("s3cret")}
	c := OperatorClaims("ops")
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	tok, _, err := j.Sign(c)
	require.NoError(t, err)
	_, err = j.Verify(tok)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerifyRejectsForeignClaims(t *testing.T) {
	secret := []byte("s3cret")
	j := JWT{Secret: secret, TokenTTL: time.Minute}

	_, _, err := j.Sign(Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}})
	require.ErrorIs(t, err, ErrUnknownRole)
	_, _, err = j.Sign(Claims{Role: RoleSignal})
	require.Error(t, err)

	exp := jwt.NewNumericDate(time.Now().Add(time.Minute))
	cases := map[string]jwt.Claims{
		"unknown role": Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: issuer, ExpiresAt: exp}},
		"other issuer": Claims{Role: RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "platform", ExpiresAt: exp}},
		"no expiry":    Claims{Role: RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: issuer}},
	}
	for name, c := range cases {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
		require.NoError(t, err, name)
		_, err = j.Verify(tok)
		require.Error(t, err, name)
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, OperatorClaims("ops")).SignedString(secret)
	require.NoError(t, err)
	_, err = j.Verify(tok)
	require.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestClaimsScope(t *testing.T) {
	op := OperatorClaims("ops")
	require.True(t, op.Allows(RoleOperator))
	require.True(t, op.Allows(RoleSignal))
	require.True(t, op.CanTrade(42))

	tv := SignalClaims("tradingview", 3)
	require.False(t, tv.Allows(RoleOperator))
	require.True(t, tv.Allows(RoleSignal))
	require.True(t, tv.CanTrade(3))
	require.False(t, tv.CanTrade(4))

	require.True(t, SignalClaims("any").CanTrade(4))
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"Bearer abc":    "abc",
		"bearer  abc ":  "abc",
		"Basic abc":     "",
		"Bearer":        "",
		"  Bearer x.y ": "x.y",
	}
	for in, want := range cases {
		if got := bearerToken(in); got != want {
			t.Fatalf("bearerToken(%q) got=%q want=%q", in, got, want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	j := JWT{Secret: []byte("s3cret"), TokenTTL: time.Minute}
	r := gin.New()
	api := r.Group("", Middleware(j))
	api.GET("/who", func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	api.GET("/admin", RequireRole(RoleOperator), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	get := func(path, tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("/who", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "missing bearer token")

	w = get("/who", "nope")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "invalid token")

	ops, _, err := j.Sign(OperatorClaims("ops"))
	require.NoError(t, err)
	w = get("/who", ops)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ops", w.Body.String())
	require.Equal(t, http.StatusOK, get("/admin", ops).Code)

	tv, _, err := j.Sign(SignalClaims("tradingview"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, get("/who", tv).Code)
	w = get("/admin", tv)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "may not act as operator")
}
