// Package dcv performs domain control validation probes. The authz engine
// decides when to probe and how to record the outcome; this package only
// answers "does the expected proof exist right now".
package dcv

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "dcv"))
}

// Verifier checks one challenge proof against the live network. A nil error
// means the proof was found and matched.
type Verifier interface {
	Verify(ctx context.Context, challengeType string, domain string, token string, keyAuthorization string) error
}

// ExpectedTXTValue computes the record content a dns-01 responder must
// publish: the base64url SHA-256 digest of the key authorization.
func ExpectedTXTValue(keyAuthorization string) string {
	digest := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// TXTRecordName computes the dns-01 query name for a domain. A wildcard
// label is stripped first: validation for "*.example.com" queries
// "_acme-challenge.example.com".
func TXTRecordName(domain string) string {
	base := strings.TrimPrefix(domain, "*.")
	return "_acme-challenge." + base
}

// HTTP01Path is the well-known path the http-01 responder must serve.
func HTTP01Path(token string) string {
	return "/.well-known/acme-challenge/" + token
}

// LiveVerifier probes real DNS and HTTP endpoints.
type LiveVerifier struct {
	resolver *net.Resolver
	client   *http.Client
}

func NewLiveVerifier() *LiveVerifier {
	return &LiveVerifier{
		resolver: net.DefaultResolver,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

func (v *LiveVerifier) Verify(ctx context.Context, challengeType string, domain string, token string, keyAuthorization string) error {
	switch challengeType {
	case model.ChallengeDNS01:
		return v.verifyDNS01(ctx, domain, keyAuthorization)
	case model.ChallengeHTTP01:
		return v.verifyHTTP01(ctx, domain, token, keyAuthorization)
	default:
		return fmt.Errorf("dcv: unsupported challenge type %q", challengeType)
	}
}

func (v *LiveVerifier) verifyDNS01(ctx context.Context, domain string, keyAuthorization string) error {
	name := TXTRecordName(domain)
	expected := ExpectedTXTValue(keyAuthorization)

	records, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		return fmt.Errorf("dcv: TXT lookup for %s failed: %w", name, err)
	}
	for _, record := range records {
		if record == expected {
			return nil
		}
	}
	logger.Debug("No matching TXT record", zap.String("name", name), zap.Int("records_seen", len(records)))
	return fmt.Errorf("dcv: no TXT record for %s matched the expected digest", name)
}

func (v *LiveVerifier) verifyHTTP01(ctx context.Context, domain string, token string, keyAuthorization string) error {
	url := "http://" + domain + HTTP01Path(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("dcv: failed to build probe request for %s: %w", url, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("dcv: probe of %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dcv: probe of %s returned status %d", url, resp.StatusCode)
	}

	// Responders are allowed trailing whitespace around the body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("dcv: failed to read probe response from %s: %w", url, err)
	}
	if strings.TrimSpace(string(body)) != keyAuthorization {
		return fmt.Errorf("dcv: response body from %s did not match the key authorization", url)
	}
	return nil
}
