// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/warden/pkg/config"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "warden-admin"
)

type jwksFixture struct {
	key    *rsa.PrivateKey
	server *httptest.Server
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		t.Fatalf("public jwk: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatal(err)
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatal(err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(server.Close)
	return &jwksFixture{key: key, server: server}
}

func (f *jwksFixture) validator(t *testing.T) *Validator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	on := true
	v, err := New(ctx, config.AdminAuthConfig{
		Enabled:  &on,
		JWKSURL:  f.server.URL,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func (f *jwksFixture) sign(t *testing.T, mutate func(jwt.Token)) string {
	t.Helper()
	token := jwt.New()
	for key, val := range map[string]any{
		jwt.IssuerKey:     testIssuer,
		jwt.AudienceKey:   testAudience,
		jwt.SubjectKey:    "operator-1",
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(time.Hour),
		"role":            "admin",
		"tenant_id":       "acme",
	} {
		if err := token.Set(key, val); err != nil {
			t.Fatal(err)
		}
	}
	if mutate != nil {
		mutate(token)
	}

	priv, err := jwk.FromRaw(f.key)
	if err != nil {
		t.Fatal(err)
	}
	if err := priv.Set(jwk.KeyIDKey, "test-key"); err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, priv))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return string(signed)
}

func TestValidateExtractsClaims(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(t)

	claims, err := v.Validate(context.Background(), f.sign(t, nil))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if claims.Role != "admin" || !claims.HasAnyRole("viewer", "admin") {
		t.Errorf("Role = %q", claims.Role)
	}
	if claims.TenantID != "acme" {
		t.Errorf("TenantID = %q", claims.TenantID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(t)

	raw := f.sign(t, func(tok jwt.Token) {
		_ = tok.Set(jwt.ExpirationKey, time.Now().Add(-time.Minute))
	})
	if _, err := v.Validate(context.Background(), raw); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(t)

	raw := f.sign(t, func(tok jwt.Token) {
		_ = tok.Set(jwt.AudienceKey, "someone-else")
	})
	if _, err := v.Validate(context.Background(), raw); err == nil {
		t.Fatal("expected audience mismatch to be rejected")
	}
}

func TestMiddlewareGuardsRequests(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(t)

	var got *Claims
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+f.sign(t, nil))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}
	if got == nil || got.Subject != "operator-1" {
		t.Fatalf("claims not propagated: %+v", got)
	}
}

func TestNilValidatorPassesThrough(t *testing.T) {
	var v *Validator
	called := false
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("nil validator should not guard")
	}
}

func TestDisabledConfigYieldsNilValidator(t *testing.T) {
	v, err := New(context.Background(), config.AdminAuthConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v != nil {
		t.Fatal("expected nil validator when disabled")
	}
}
