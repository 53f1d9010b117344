package management_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certrelay/certrelay/internal/testutils"
)

const adminKey = "policy-admin-api-key"

func doJSON(t *testing.T, method, url, apiKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPolicyAPIRequiresKey(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/policy/domains", "", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/policy/domains", "wrong-key", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPolicyDomainLifecycle(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/policy/domains", adminKey, `{"value":"app.example.com"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/policy/domains", adminKey, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Contains(t, listing["domains"], "app.example.com")

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/policy/domains/app.example.com", adminKey, "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/policy/domains", adminKey, "")
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.NotContains(t, listing["domains"], "app.example.com")
}

func TestPolicySuffixLifecycle(t *testing.T) {
	store := testutils.SetupTestDB(t)
	ts := testutils.SetupTestServer(t, store)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/policy/suffixes", adminKey, `{"value":"teams.example.io"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	allowed, err := store.IsDomainAllowed(t.Context(), "svc.teams.example.io")
	require.NoError(t, err)
	assert.True(t, allowed)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/policy/suffixes/teams.example.io", adminKey, "")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	allowed, err = store.IsDomainAllowed(t.Context(), "svc.teams.example.io")
	require.NoError(t, err)
	assert.False(t, allowed)
}
