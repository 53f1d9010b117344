package order

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certrelay/certrelay/internal/model"
)

func makeCSR(t *testing.T, commonName string, dnsNames []string) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: dnsNames,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func dnsIdentifiers(values ...string) []model.Identifier {
	out := make([]model.Identifier, 0, len(values))
	for _, v := range values {
		out = append(out, model.Identifier{Type: model.IdentifierDNS, Value: v})
	}
	return out
}

func TestCheckCSRNamesExactMatch(t *testing.T) {
	csr := makeCSR(t, "example.com", []string{"example.com", "www.example.com"})
	prob := checkCSRNames(csr, dnsIdentifiers("example.com", "www.example.com"))
	assert.Nil(t, prob)
}

func TestCheckCSRNamesCommonNameOnly(t *testing.T) {
	csr := makeCSR(t, "example.com", nil)
	prob := checkCSRNames(csr, dnsIdentifiers("example.com"))
	assert.Nil(t, prob)
}

func TestCheckCSRNamesCaseInsensitive(t *testing.T) {
	csr := makeCSR(t, "", []string{"EXAMPLE.com"})
	prob := checkCSRNames(csr, dnsIdentifiers("example.com"))
	assert.Nil(t, prob)
}

func TestCheckCSRNamesRejectsExtraName(t *testing.T) {
	csr := makeCSR(t, "", []string{"example.com", "evil.com"})
	prob := checkCSRNames(csr, dnsIdentifiers("example.com"))
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "badCSR")
	assert.Contains(t, prob.Detail, "evil.com")
}

func TestCheckCSRNamesRejectsMissingName(t *testing.T) {
	csr := makeCSR(t, "", []string{"example.com"})
	prob := checkCSRNames(csr, dnsIdentifiers("example.com", "www.example.com"))
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "badCSR")
	assert.Contains(t, prob.Detail, "www.example.com")
}

func TestCheckCSRNamesRejectsEmptyCSR(t *testing.T) {
	csr := makeCSR(t, "", nil)
	prob := checkCSRNames(csr, dnsIdentifiers("example.com"))
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "badCSR")
}

func TestCheckCSRNamesWildcard(t *testing.T) {
	csr := makeCSR(t, "", []string{"*.example.com"})
	prob := checkCSRNames(csr, dnsIdentifiers("*.example.com"))
	assert.Nil(t, prob)

	// A wildcard name does not satisfy a non-wildcard identifier.
	prob = checkCSRNames(csr, dnsIdentifiers("example.com"))
	require.NotNil(t, prob)
	assert.Contains(t, prob.Type, "badCSR")
}
