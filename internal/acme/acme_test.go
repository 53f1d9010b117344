package acme_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certrelay/certrelay/internal/testutils"
)

// testClient is a minimal ACME client speaking to the test server with
// real signed requests and live nonces.
type testClient struct {
	t   *testing.T
	ts  *testutils.TestServer
	key *ecdsa.PrivateKey
	kid string
}

func newTestClient(t *testing.T, ts *testutils.TestServer) *testClient {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &testClient{t: t, ts: ts, key: key}
}

func (c *testClient) getNonce() string {
	c.t.Helper()
	resp, err := http.Head(c.ts.URL + "/acme/new-nonce")
	require.NoError(c.t, err)
	resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	require.NotEmpty(c.t, nonce, "new-nonce must return a Replay-Nonce header")
	return nonce
}

// sign produces a flattened JWS for the given URL. An empty kid embeds the
// account key as a jwk header instead.
func (c *testClient) sign(url, payload string) []byte {
	c.t.Helper()
	opts := &jose.SignerOptions{
		NonceSource: nonceFunc(c.getNonce),
		EmbedJWK:    c.kid == "",
	}
	opts = opts.WithHeader("url", url)
	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: c.key}
	if c.kid != "" {
		signingKey.Key = jose.JSONWebKey{Key: c.key, KeyID: c.kid}
	}
	signer, err := jose.NewSigner(signingKey, opts)
	require.NoError(c.t, err)
	obj, err := signer.Sign([]byte(payload))
	require.NoError(c.t, err)
	return []byte(obj.FullSerialize())
}

// post sends a signed POST and returns the response with its body read.
func (c *testClient) post(url, payload string) (*http.Response, []byte) {
	c.t.Helper()
	body := c.sign(url, payload)
	resp, err := http.Post(url, "application/jose+json", bytes.NewReader(body))
	require.NoError(c.t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(c.t, err)
	return resp, data
}

// postAsGet fetches a resource with the zero-length payload.
func (c *testClient) postAsGet(url string) (*http.Response, []byte) {
	return c.post(url, "")
}

// register creates (or finds) the account and stores the kid.
func (c *testClient) register(t *testing.T) {
	t.Helper()
	resp, _ := c.post(c.ts.URL+"/acme/new-account", `{"termsOfServiceAgreed":true}`)
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)
	c.kid = resp.Header.Get("Location")
	require.NotEmpty(t, c.kid)
}

type nonceFunc func() string

func (f nonceFunc) Nonce() (string, error) { return f(), nil }

type orderResponse struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
	Error          *struct {
		Type string `json:"type"`
	} `json:"error"`
}

type authzResponse struct {
	Status     string `json:"status"`
	Wildcard   bool   `json:"wildcard"`
	Identifier struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"identifier"`
	Challenges []struct {
		Type   string `json:"type"`
		URL    string `json:"url"`
		Status string `json:"status"`
		Token  string `json:"token"`
	} `json:"challenges"`
}

type problemResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func makeCSRB64(t *testing.T, names ...string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(der)
}

func findChallenge(t *testing.T, az authzResponse, chalType string) (url, token string) {
	t.Helper()
	for _, chal := range az.Challenges {
		if chal.Type == chalType {
			return chal.URL, chal.Token
		}
	}
	t.Fatalf("authorization offers no %s challenge", chalType)
	return "", ""
}

func TestDirectoryAndNonce(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)

	resp, err := http.Get(ts.URL + "/acme/directory")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dir map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dir))
	assert.Equal(t, ts.URL+"/acme/new-nonce", dir["newNonce"])
	assert.Equal(t, ts.URL+"/acme/new-account", dir["newAccount"])
	assert.Equal(t, ts.URL+"/acme/new-order", dir["newOrder"])

	head, err := http.Head(ts.URL + "/acme/new-nonce")
	require.NoError(t, err)
	head.Body.Close()
	assert.Equal(t, http.StatusOK, head.StatusCode)
	assert.NotEmpty(t, head.Header.Get("Replay-Nonce"))

	get, err := http.Get(ts.URL + "/acme/new-nonce")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNoContent, get.StatusCode)
	assert.NotEmpty(t, get.Header.Get("Replay-Nonce"))
	assert.NotEqual(t, head.Header.Get("Replay-Nonce"), get.Header.Get("Replay-Nonce"))
}

func TestNonceReplayRejected(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	client := newTestClient(t, ts)

	// Sign two requests with the same nonce by capturing one value.
	nonce := client.getNonce()
	url := ts.URL + "/acme/new-account"
	signWithFixed := func() []byte {
		opts := (&jose.SignerOptions{
			NonceSource: nonceFunc(func() string { return nonce }),
			EmbedJWK:    true,
		}).WithHeader("url", url)
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: client.key}, opts)
		require.NoError(t, err)
		obj, err := signer.Sign([]byte(`{"termsOfServiceAgreed":true}`))
		require.NoError(t, err)
		return []byte(obj.FullSerialize())
	}

	resp1, err := http.Post(url, "application/jose+json", bytes.NewReader(signWithFixed()))
	require.NoError(t, err)
	resp1.Body.Close()
	require.Equal(t, http.StatusCreated, resp1.StatusCode)

	resp2, err := http.Post(url, "application/jose+json", bytes.NewReader(signWithFixed()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	var prob problemResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&prob))
	assert.Equal(t, "urn:ietf:params:acme:error:badNonce", prob.Type)
	assert.NotEmpty(t, resp2.Header.Get("Replay-Nonce"), "problem responses must carry a fresh nonce")
}

func TestNewAccountIdempotentOnKey(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	client := newTestClient(t, ts)

	resp1, _ := client.post(ts.URL+"/acme/new-account", `{"termsOfServiceAgreed":true,"contact":["mailto:a@example.com"]}`)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)
	location := resp1.Header.Get("Location")
	require.NotEmpty(t, location)

	resp2, _ := client.post(ts.URL+"/acme/new-account", `{"termsOfServiceAgreed":true}`)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, location, resp2.Header.Get("Location"), "same key must map to the same account")
}

func TestNewAccountOnlyReturnExisting(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	client := newTestClient(t, ts)

	resp, body := client.post(ts.URL+"/acme/new-account", `{"onlyReturnExisting":true}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var prob problemResponse
	require.NoError(t, json.Unmarshal(body, &prob))
	assert.Equal(t, "urn:ietf:params:acme:error:accountDoesNotExist", prob.Type)
}

func TestNewOrderRejectsUnpermittedIdentifier(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	client := newTestClient(t, ts)
	client.register(t)

	resp, body := client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"forbidden.example.net"}]}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var prob problemResponse
	require.NoError(t, json.Unmarshal(body, &prob))
	assert.Equal(t, "urn:ietf:params:acme:error:rejectedIdentifier", prob.Type)
}

func TestFullIssuanceFlow(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	require.NoError(t, store.AddAllowedSuffix(context.Background(), "example.com"))

	client := newTestClient(t, ts)
	client.register(t)

	// New order.
	resp, body := client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"www.example.com"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	orderURL := resp.Header.Get("Location")
	require.NotEmpty(t, orderURL)

	var ord orderResponse
	require.NoError(t, json.Unmarshal(body, &ord))
	assert.Equal(t, "pending", ord.Status)
	require.Len(t, ord.Authorizations, 1)

	// Fetch the authorization; both challenge types are offered.
	resp, body = client.postAsGet(ord.Authorizations[0])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var az authzResponse
	require.NoError(t, json.Unmarshal(body, &az))
	assert.Equal(t, "pending", az.Status)
	assert.Equal(t, "www.example.com", az.Identifier.Value)
	assert.Len(t, az.Challenges, 2)

	// Initiate dns-01; the stub verifier reports success.
	chalURL, _ := findChallenge(t, az, "dns-01")
	resp, body = client.post(chalURL, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	var chal struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &chal))
	assert.Equal(t, "valid", chal.Status)
	require.Len(t, ts.Verifier.Calls, 1)
	assert.Equal(t, "dns-01 www.example.com", ts.Verifier.Calls[0])

	// The authorization and order advance.
	resp, body = client.postAsGet(ord.Authorizations[0])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &az))
	assert.Equal(t, "valid", az.Status)

	resp, body = client.postAsGet(orderURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ord))
	assert.Equal(t, "ready", ord.Status, "order must become ready once all authorizations are valid")

	// Finalize.
	csr := makeCSRB64(t, "www.example.com")
	resp, body = client.post(ord.Finalize, `{"csr":"`+csr+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	require.NoError(t, json.Unmarshal(body, &ord))
	assert.Equal(t, "valid", ord.Status)
	require.NotEmpty(t, ord.Certificate)

	// Download the certificate.
	resp, body = client.postAsGet(ord.Certificate)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pem-certificate-chain", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "BEGIN CERTIFICATE")
}

func TestFinalizeIsIdempotent(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	require.NoError(t, store.AddAllowedSuffix(context.Background(), "example.com"))

	client := newTestClient(t, ts)
	client.register(t)

	resp, body := client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"idem.example.com"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderURL := resp.Header.Get("Location")
	var ord orderResponse
	require.NoError(t, json.Unmarshal(body, &ord))

	_, body = client.postAsGet(ord.Authorizations[0])
	var az authzResponse
	require.NoError(t, json.Unmarshal(body, &az))
	chalURL, _ := findChallenge(t, az, "dns-01")
	resp, _ = client.post(chalURL, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = client.postAsGet(orderURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	csr := makeCSRB64(t, "idem.example.com")
	resp, body = client.post(ord.Finalize, `{"csr":"`+csr+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	var first orderResponse
	require.NoError(t, json.Unmarshal(body, &first))
	require.Equal(t, "valid", first.Status)

	// A repeated finalize returns the same order without a second issuance.
	resp, body = client.post(ord.Finalize, `{"csr":"`+csr+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second orderResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, "valid", second.Status)
	assert.Equal(t, first.Certificate, second.Certificate, "repeat finalize must not issue a second certificate")
}

func TestFinalizeBeforeReadyIsRejected(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	require.NoError(t, store.AddAllowedSuffix(context.Background(), "example.com"))

	client := newTestClient(t, ts)
	client.register(t)

	resp, body := client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"early.example.com"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ord orderResponse
	require.NoError(t, json.Unmarshal(body, &ord))

	csr := makeCSRB64(t, "early.example.com")
	resp, body = client.post(ord.Finalize, `{"csr":"`+csr+`"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var prob problemResponse
	require.NoError(t, json.Unmarshal(body, &prob))
	assert.Equal(t, "urn:ietf:params:acme:error:orderNotReady", prob.Type)
}

func TestFinalizeRejectsMismatchedCSR(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	require.NoError(t, store.AddAllowedSuffix(context.Background(), "example.com"))

	client := newTestClient(t, ts)
	client.register(t)

	resp, body := client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"match.example.com"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderURL := resp.Header.Get("Location")
	var ord orderResponse
	require.NoError(t, json.Unmarshal(body, &ord))

	_, body = client.postAsGet(ord.Authorizations[0])
	var az authzResponse
	require.NoError(t, json.Unmarshal(body, &az))
	chalURL, _ := findChallenge(t, az, "dns-01")
	resp, _ = client.post(chalURL, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	csr := makeCSRB64(t, "match.example.com", "extra.example.com")
	resp, body = client.post(ord.Finalize, `{"csr":"`+csr+`"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var prob problemResponse
	require.NoError(t, json.Unmarshal(body, &prob))
	assert.Equal(t, "urn:ietf:params:acme:error:badCSR", prob.Type)

	// The rejection must not move the order out of ready.
	resp, body = client.postAsGet(orderURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ord))
	assert.Equal(t, "ready", ord.Status)
}

func TestWildcardRequiresDNS01(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	require.NoError(t, store.AddAllowedSuffix(context.Background(), "example.com"))

	client := newTestClient(t, ts)
	client.register(t)

	resp, body := client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"*.wild.example.com"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	var ord orderResponse
	require.NoError(t, json.Unmarshal(body, &ord))
	require.Len(t, ord.Authorizations, 1)

	_, body = client.postAsGet(ord.Authorizations[0])
	var az authzResponse
	require.NoError(t, json.Unmarshal(body, &az))
	assert.True(t, az.Wildcard)

	// http-01 on a wildcard identifier is a policy rejection...
	httpChalURL, _ := findChallenge(t, az, "http-01")
	resp, body = client.post(httpChalURL, `{}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var prob problemResponse
	require.NoError(t, json.Unmarshal(body, &prob))
	assert.Equal(t, "urn:ietf:params:acme:error:rejectedIdentifier", prob.Type)
	assert.Empty(t, ts.Verifier.Calls, "a rejected initiation must not probe")

	// ...that leaves everything pending, so dns-01 can still succeed.
	_, body = client.postAsGet(ord.Authorizations[0])
	require.NoError(t, json.Unmarshal(body, &az))
	assert.Equal(t, "pending", az.Status)
	for _, chal := range az.Challenges {
		assert.Equal(t, "pending", chal.Status)
	}

	dnsChalURL, _ := findChallenge(t, az, "dns-01")
	resp, body = client.post(dnsChalURL, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	var chal struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &chal))
	assert.Equal(t, "valid", chal.Status)

	_, body = client.postAsGet(ord.Authorizations[0])
	require.NoError(t, json.Unmarshal(body, &az))
	assert.Equal(t, "valid", az.Status)
}

func TestChallengeRetryBudget(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	require.NoError(t, store.AddAllowedSuffix(context.Background(), "example.com"))

	client := newTestClient(t, ts)
	client.register(t)

	resp, body := client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"flaky.example.com"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ord orderResponse
	require.NoError(t, json.Unmarshal(body, &ord))

	_, body = client.postAsGet(ord.Authorizations[0])
	var az authzResponse
	require.NoError(t, json.Unmarshal(body, &az))
	chalURL, _ := findChallenge(t, az, "dns-01")

	ts.Verifier.Err = errors.New("no TXT record")
	var chal struct {
		Status string `json:"status"`
		Error  *struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	// The first retryLimit-1 failures leave the challenge retryable.
	for i := 0; i < ts.Config.ChallengeRetryLimit-1; i++ {
		resp, body = client.post(chalURL, `{}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &chal))
		assert.Equal(t, "pending", chal.Status)
		require.NotNil(t, chal.Error)
	}
	// The final attempt makes the failure terminal.
	resp, body = client.post(chalURL, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &chal))
	assert.Equal(t, "invalid", chal.Status)

	// Further initiations are refused.
	resp, body = client.post(chalURL, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &chal))
	assert.Equal(t, "invalid", chal.Status)

	_, body = client.postAsGet(ord.Authorizations[0])
	require.NoError(t, json.Unmarshal(body, &az))
	assert.Equal(t, "invalid", az.Status)
}

func TestAccountDeactivation(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)

	client := newTestClient(t, ts)
	client.register(t)

	resp, body := client.post(client.kid, `{"status":"deactivated"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acct struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &acct))
	assert.Equal(t, "deactivated", acct.Status)

	// Subsequent requests under the deactivated account fail.
	resp, body = client.post(ts.URL+"/acme/new-order",
		`{"identifiers":[{"type":"dns","value":"late.example.com"}]}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var prob problemResponse
	require.NoError(t, json.Unmarshal(body, &prob))
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", prob.Type)
}

func TestEveryResponseCarriesFreshNonce(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)
	client := newTestClient(t, ts)

	resp, _ := client.post(ts.URL+"/acme/new-account", `{"termsOfServiceAgreed":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Replay-Nonce"))
	assert.Contains(t, resp.Header.Get("Link"), `rel="index"`)
}
