package jws

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http/httptest"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certrelay/certrelay/internal/model"
	"github.com/certrelay/certrelay/internal/nonce"
)

const testExternalURL = "https://acme.test"

type fakeNonces struct {
	consumed []string
	err      error
}

func (f *fakeNonces) Consume(ctx context.Context, value string) error {
	f.consumed = append(f.consumed, value)
	return f.err
}

type fakeAccounts struct {
	byKID map[string]*model.Account
}

func (f *fakeAccounts) ResolveKeyID(ctx context.Context, kid string) (*model.Account, error) {
	return f.byKID[kid], nil
}

type staticNonce string

func (s staticNonce) Nonce() (string, error) { return string(s), nil }

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// signJWS produces a flattened JWS the way a client library would.
func signJWS(t *testing.T, key *ecdsa.PrivateKey, payload, url, nonceValue, kid string, embedJWK bool) []byte {
	t.Helper()
	opts := &jose.SignerOptions{
		NonceSource: staticNonce(nonceValue),
		EmbedJWK:    embedJWK,
	}
	opts = opts.WithHeader("url", url)
	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: key}
	if kid != "" {
		signingKey.Key = jose.JSONWebKey{Key: key, KeyID: kid}
	}
	signer, err := jose.NewSigner(signingKey, opts)
	require.NoError(t, err)
	obj, err := signer.Sign([]byte(payload))
	require.NoError(t, err)
	return []byte(obj.FullSerialize())
}

func newVerifier(nonces *fakeNonces, accounts *fakeAccounts) *Verifier {
	if accounts == nil {
		accounts = &fakeAccounts{byKID: map[string]*model.Account{}}
	}
	return NewVerifier(testExternalURL, nonces, accounts)
}

func TestVerifyJWKRequest(t *testing.T) {
	key := newTestKey(t)
	nonces := &fakeNonces{}
	v := newVerifier(nonces, nil)

	url := testExternalURL + "/acme/new-account"
	body := signJWS(t, key, `{"termsOfServiceAgreed":true}`, url, "nonce-1", "", true)
	req := httptest.NewRequest("POST", url, nil)

	res, prob := v.Verify(context.Background(), req, body, RequireJWK)
	require.Nil(t, prob)
	assert.JSONEq(t, `{"termsOfServiceAgreed":true}`, string(res.Payload))
	assert.NotNil(t, res.Key)
	assert.Nil(t, res.Account)
	assert.Equal(t, []string{"nonce-1"}, nonces.consumed)
}

func TestVerifyKIDRequest(t *testing.T) {
	key := newTestKey(t)
	pubJWK := jose.JSONWebKey{Key: key.Public()}
	pubJSON, err := pubJWK.MarshalJSON()
	require.NoError(t, err)

	kid := testExternalURL + "/acme/acct/abc123"
	accounts := &fakeAccounts{byKID: map[string]*model.Account{
		kid: {ID: "abc123", PublicKeyJWK: string(pubJSON), Status: model.StatusValid},
	}}
	nonces := &fakeNonces{}
	v := newVerifier(nonces, accounts)

	url := testExternalURL + "/acme/new-order"
	body := signJWS(t, key, `{"identifiers":[]}`, url, "nonce-2", kid, false)
	req := httptest.NewRequest("POST", url, nil)

	res, prob := v.Verify(context.Background(), req, body, RequireKID)
	require.Nil(t, prob)
	require.NotNil(t, res.Account)
	assert.Equal(t, "abc123", res.Account.ID)
	assert.Equal(t, kid, res.KeyID)
}

func TestVerifyRejectsWrongURLWithoutBurningNonce(t *testing.T) {
	key := newTestKey(t)
	nonces := &fakeNonces{}
	v := newVerifier(nonces, nil)

	body := signJWS(t, key, `{}`, testExternalURL+"/acme/new-order", "nonce-3", "", true)
	req := httptest.NewRequest("POST", testExternalURL+"/acme/new-account", nil)

	_, prob := v.Verify(context.Background(), req, body, RequireJWK)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "malformed")
	assert.Empty(t, nonces.consumed, "a request failing the url check must not consume its nonce")
}

func TestVerifyRejectsBadNonce(t *testing.T) {
	key := newTestKey(t)
	nonces := &fakeNonces{err: nonce.ErrBadNonce}
	v := newVerifier(nonces, nil)

	url := testExternalURL + "/acme/new-account"
	body := signJWS(t, key, `{}`, url, "stale", "", true)
	req := httptest.NewRequest("POST", url, nil)

	_, prob := v.Verify(context.Background(), req, body, RequireJWK)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "badNonce")
}

func TestVerifyRejectsMissingJWK(t *testing.T) {
	key := newTestKey(t)
	v := newVerifier(&fakeNonces{}, nil)

	url := testExternalURL + "/acme/new-account"
	body := signJWS(t, key, `{}`, url, "nonce-4", testExternalURL+"/acme/acct/x", false)
	req := httptest.NewRequest("POST", url, nil)

	_, prob := v.Verify(context.Background(), req, body, RequireJWK)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "malformed")
}

func TestVerifyUnknownKID(t *testing.T) {
	key := newTestKey(t)
	v := newVerifier(&fakeNonces{}, nil)

	url := testExternalURL + "/acme/new-order"
	body := signJWS(t, key, `{}`, url, "nonce-5", testExternalURL+"/acme/acct/ghost", false)
	req := httptest.NewRequest("POST", url, nil)

	_, prob := v.Verify(context.Background(), req, body, RequireKID)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "accountDoesNotExist")
}

func TestVerifyDeactivatedAccount(t *testing.T) {
	key := newTestKey(t)
	pubJWK := jose.JSONWebKey{Key: key.Public()}
	pubJSON, err := pubJWK.MarshalJSON()
	require.NoError(t, err)

	kid := testExternalURL + "/acme/acct/gone"
	accounts := &fakeAccounts{byKID: map[string]*model.Account{
		kid: {ID: "gone", PublicKeyJWK: string(pubJSON), Status: model.StatusDeactivated},
	}}
	v := newVerifier(&fakeNonces{}, accounts)

	url := testExternalURL + "/acme/new-order"
	body := signJWS(t, key, `{}`, url, "nonce-6", kid, false)
	req := httptest.NewRequest("POST", url, nil)

	_, prob := v.Verify(context.Background(), req, body, RequireKID)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "unauthorized")
}

func TestVerifyRevokedAccount(t *testing.T) {
	key := newTestKey(t)
	pubJWK := jose.JSONWebKey{Key: key.Public()}
	pubJSON, err := pubJWK.MarshalJSON()
	require.NoError(t, err)

	kid := testExternalURL + "/acme/acct/revoked"
	accounts := &fakeAccounts{byKID: map[string]*model.Account{
		kid: {ID: "revoked", PublicKeyJWK: string(pubJSON), Status: model.StatusRevoked},
	}}
	v := newVerifier(&fakeNonces{}, accounts)

	url := testExternalURL + "/acme/new-order"
	body := signJWS(t, key, `{}`, url, "nonce-7", kid, false)
	req := httptest.NewRequest("POST", url, nil)

	_, prob := v.Verify(context.Background(), req, body, RequireKID)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "alreadyRevoked")
}

func TestVerifyRejectsSignatureFromDifferentKey(t *testing.T) {
	signingKey := newTestKey(t)
	storedKey := newTestKey(t)
	pubJWK := jose.JSONWebKey{Key: storedKey.Public()}
	pubJSON, err := pubJWK.MarshalJSON()
	require.NoError(t, err)

	kid := testExternalURL + "/acme/acct/victim"
	accounts := &fakeAccounts{byKID: map[string]*model.Account{
		kid: {ID: "victim", PublicKeyJWK: string(pubJSON), Status: model.StatusValid},
	}}
	v := newVerifier(&fakeNonces{}, accounts)

	url := testExternalURL + "/acme/new-order"
	body := signJWS(t, signingKey, `{}`, url, "nonce-7", kid, false)
	req := httptest.NewRequest("POST", url, nil)

	_, prob := v.Verify(context.Background(), req, body, RequireKID)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "malformed")
}

func TestVerifyRejectsSymmetricAlgorithm(t *testing.T) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")},
		(&jose.SignerOptions{NonceSource: staticNonce("n")}).WithHeader("url", testExternalURL+"/acme/new-account"),
	)
	require.NoError(t, err)
	obj, err := signer.Sign([]byte(`{}`))
	require.NoError(t, err)

	v := newVerifier(&fakeNonces{}, nil)
	req := httptest.NewRequest("POST", testExternalURL+"/acme/new-account", nil)
	_, prob := v.Verify(context.Background(), req, []byte(obj.FullSerialize()), RequireJWK)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "malformed")
}

func TestVerifyRejectsGarbageBody(t *testing.T) {
	v := newVerifier(&fakeNonces{}, nil)
	req := httptest.NewRequest("POST", testExternalURL+"/acme/new-account", nil)
	_, prob := v.Verify(context.Background(), req, []byte("not a jws"), RequireJWK)
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "malformed")
}

func TestThumbprintIsStable(t *testing.T) {
	key := newTestKey(t)
	pub := &jose.JSONWebKey{Key: key.Public()}

	tp1, err := Thumbprint(pub)
	require.NoError(t, err)
	tp2, err := Thumbprint(pub)
	require.NoError(t, err)
	assert.Equal(t, tp1, tp2)
	assert.NotEmpty(t, tp1)
	assert.NotContains(t, tp1, "=", "thumbprint must be unpadded base64url")
}
