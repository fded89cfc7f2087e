package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestBasicAuthPlaintext(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), &config.AuthConfig{
		Enabled: true,
		Type:    "basic",
		Users: []config.BasicUser{
			{Username: "alice", Password: "s3cret", Roles: []string{"admin"}},
		},
	}, "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/customers", nil)
	r.SetBasicAuth("alice", "s3cret")
	identity, authErr := a.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, "alice", identity.Subject)
	assert.Equal(t, []string{"admin"}, identity.Roles)
	assert.Equal(t, "basic", identity.Scheme)

	r.SetBasicAuth("alice", "wrong")
	_, authErr = a.Authenticate(r)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CategoryAuthentication, authErr.Category)
}

func TestBasicAuthBcryptHash(t *testing.T) {
	t.Parallel()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	a, err := New(context.Background(), &config.AuthConfig{
		Enabled: true,
		Type:    "basic",
		Users: []config.BasicUser{
			{Username: "bob", PasswordHash: string(hash)},
		},
	}, "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.SetBasicAuth("bob", "hunter2")
	identity, authErr := a.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, "bob", identity.Subject)

	r.SetBasicAuth("bob", "hunter3")
	_, authErr = a.Authenticate(r)
	require.NotNil(t, authErr)
}

func TestBasicAuthUnknownUser(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), &config.AuthConfig{
		Enabled: true,
		Type:    "basic",
		Users:   []config.BasicUser{{Username: "alice", Password: "pw"}},
	}, "")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.SetBasicAuth("mallory", "pw")
	_, authErr := a.Authenticate(r)
	require.NotNil(t, authErr)
}

func TestBasicAuthRequiresUsers(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), &config.AuthConfig{Enabled: true, Type: "basic"}, "")
	require.Error(t, err)
}

func TestBearerHMACToken(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), &config.AuthConfig{
		Enabled:  true,
		Type:     "bearer",
		Secret:   testSecret,
		Issuer:   "flapi-test",
		Audience: "flapi",
	}, "")
	require.NoError(t, err)

	token := signHS256(t, jwt.MapClaims{
		"sub":   "svc-reporting",
		"iss":   "flapi-test",
		"aud":   "flapi",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": []string{"reader", "writer"},
	})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	identity, authErr := a.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, "svc-reporting", identity.Subject)
	assert.Equal(t, []string{"reader", "writer"}, identity.Roles)
	assert.Equal(t, "bearer", identity.Scheme)
}

func TestBearerRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), &config.AuthConfig{
		Enabled: true, Type: "bearer", Secret: testSecret,
	}, "")
	require.NoError(t, err)

	token := signHS256(t, jwt.MapClaims{
		"sub": "svc",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, authErr := a.Authenticate(r)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CategoryAuthentication, authErr.Category)
}

func TestBearerRejectsWrongIssuer(t *testing.T) {
	t.Parallel()
	v, err := NewJWTValidator(context.Background(), JWTValidatorConfig{
		Secret: testSecret,
		Issuer: "expected",
	})
	require.NoError(t, err)

	token := signHS256(t, jwt.MapClaims{
		"sub": "svc",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = v.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestBearerRejectsWrongAudience(t *testing.T) {
	t.Parallel()
	v, err := NewJWTValidator(context.Background(), JWTValidatorConfig{
		Secret:   testSecret,
		Audience: "expected",
	})
	require.NoError(t, err)

	token := signHS256(t, jwt.MapClaims{
		"sub": "svc",
		"aud": "other",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = v.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidAudience)
}

func TestBearerCustomRoleClaim(t *testing.T) {
	t.Parallel()
	v, err := NewJWTValidator(context.Background(), JWTValidatorConfig{
		Secret:    testSecret,
		RoleClaim: "scope",
	})
	require.NoError(t, err)

	token := signHS256(t, jwt.MapClaims{
		"sub":   "svc",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "read write",
	})
	identity, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, identity.Roles)
}

func TestBearerRequiresKeySource(t *testing.T) {
	t.Parallel()
	_, err := NewJWTValidator(context.Background(), JWTValidatorConfig{})
	assert.ErrorIs(t, err, ErrMissingKeySource)
}

func TestAuthorizeRoles(t *testing.T) {
	t.Parallel()
	identity := &Identity{Subject: "alice", Roles: []string{"reader"}}

	assert.Nil(t, Authorize(identity, nil))
	assert.Nil(t, Authorize(identity, []string{"reader", "admin"}))

	err := Authorize(identity, []string{"admin"})
	require.NotNil(t, err)
	assert.Equal(t, errors.CategoryAuthorization, err.Category)
}

func TestDisabledAuthIsAnonymous(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), nil, "")
	require.NoError(t, err)

	identity, authErr := a.Authenticate(httptest.NewRequest("GET", "/", nil))
	require.Nil(t, authErr)
	assert.Equal(t, "anonymous", identity.Subject)
	assert.Equal(t, "none", identity.Scheme)
}

func TestIdentityRedactsToken(t *testing.T) {
	t.Parallel()
	identity := &Identity{Subject: "alice", Token: "super-secret"}

	assert.NotContains(t, identity.String(), "super-secret")

	data, err := json.Marshal(identity)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
	assert.Contains(t, string(data), "REDACTED")
}

func TestIdentityContextRoundTrip(t *testing.T) {
	t.Parallel()
	identity := &Identity{Subject: "alice"}
	ctx := WithIdentity(context.Background(), identity)

	got, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, identity, got)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)
}

func TestBearerJWKSVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(rsaKey.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(jwks.Close)

	v, err := NewJWTValidator(ctx, JWTValidatorConfig{
		Issuer:  "https://issuer.test",
		JWKSURL: jwks.URL,
	})
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   "alice",
		"iss":   "https://issuer.test",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": []string{"reader"},
	})
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(rsaKey)
	require.NoError(t, err)

	identity, err := v.ValidateToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Subject)
	assert.Equal(t, []string{"reader"}, identity.Roles)

	// A token signed by a key the set does not contain is rejected.
	stranger, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token = jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "mallory",
		"iss": "https://issuer.test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "other-key"
	signed, err = token.SignedString(stranger)
	require.NoError(t, err)
	_, err = v.ValidateToken(ctx, signed)
	require.Error(t, err)
}

func TestBasicAuthUsersFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	usersYAML := `users:
  - username: filed
    password: from-file
    roles: [reader]
  - username: shared
    password: file-wins-not
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.yaml"), []byte(usersYAML), 0o600))

	a, err := New(context.Background(), &config.AuthConfig{
		Enabled:   true,
		Type:      "basic",
		UsersFile: "users.yaml",
		Users: []config.BasicUser{
			{Username: "shared", Password: "inline-wins", Roles: []string{"admin"}},
		},
	}, dir)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/x", nil)
	r.SetBasicAuth("filed", "from-file")
	identity, authErr := a.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, []string{"reader"}, identity.Roles)

	// Inline entries shadow file entries on username collision.
	r.SetBasicAuth("shared", "inline-wins")
	identity, authErr = a.Authenticate(r)
	require.Nil(t, authErr)
	assert.Equal(t, []string{"admin"}, identity.Roles)

	r.SetBasicAuth("shared", "file-wins-not")
	_, authErr = a.Authenticate(r)
	require.NotNil(t, authErr)
}
