package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/station-ledger/api"
	"github.com/warp/station-ledger/generic"
)

func whoami(opts api.AuthOptions) http.Handler {
	return api.ActorMiddleware(opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := api.ActorFrom(r.Context())
		_, _ = w.Write([]byte(a.ID + "|" + a.Name))
	}))
}

func call(h http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestActorMiddleware(t *testing.T) {
	const secret = "s3cret"
	token, err := api.SignToken(secret, generic.Actor{ID: "u-42", Name: "Nimal"})
	require.NoError(t, err)
	forged, err := api.SignToken("other", generic.Actor{ID: "u-42"})
	require.NoError(t, err)
	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	optional := whoami(api.AuthOptions{JWTSecret: secret})
	required := whoami(api.AuthOptions{JWTSecret: secret, Required: true})

	cases := []struct {
		name    string
		handler http.Handler
		headers map[string]string
		status  int
		body    string
	}{
		{"bearer token", required, map[string]string{"Authorization": "Bearer " + token}, http.StatusOK, "u-42|Nimal"},
		{"token wins over header", optional, map[string]string{"Authorization": "Bearer " + token, api.ActorHeader: "x"}, http.StatusOK, "u-42|Nimal"},
		{"actor header", optional, map[string]string{api.ActorHeader: "cashier-1"}, http.StatusOK, "cashier-1|"},
		{"system fallback", optional, nil, http.StatusOK, "system|system"},
		{"required without actor", required, nil, http.StatusUnauthorized, ""},
		{"wrong secret", optional, map[string]string{"Authorization": "Bearer " + forged}, http.StatusUnauthorized, ""},
		{"unsigned token", optional, map[string]string{"Authorization": "Bearer " + noneToken}, http.StatusUnauthorized, ""},
		{"not bearer", optional, map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(tc.handler, tc.headers)
			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestActorMiddleware_TokenWithoutSecret(t *testing.T) {
	token, err := api.SignToken("s3cret", generic.Actor{ID: "u-42"})
	require.NoError(t, err)

	rec := call(whoami(api.AuthOptions{}), map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
