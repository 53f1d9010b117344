package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds everything certrelayd needs to run, loaded once at startup.
type Config struct {
	ExternalURL  string // Public base URL clients see, e.g. "https://acme.example.com"
	HTTPAddress  string // Listen address for the plain-HTTP instance (health, metrics)
	HTTPSAddress string // Listen address for the TLS protocol instance

	DataDir       string
	HTTPSCertFile string
	HTTPSKeyFile  string

	StorageType string // "postgres"
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      int
	DBSSLMode   string
	DBCert      string
	DBKey       string
	DBRootCert  string

	// Protocol engine tuning.
	NonceLifetime       time.Duration // TTL of issued nonces
	NonceSweepInterval  time.Duration // How often expired nonces are purged
	OrderLifetime       time.Duration // pending/ready window for new orders
	AuthzLifetime       time.Duration // validation window for authorizations
	ChallengeRetryLimit int           // Bounded validation attempts per challenge
	DCVTimeout          time.Duration // Per-probe deadline for the DCV collaborator
	FinalizeTimeout     time.Duration // Deadline for the upstream CA submission

	// Upstream CA selection. Variants are enumerated at startup; "embedded"
	// is the built-in issuer.
	CABackend string

	// Embedded issuer subject and policy.
	Organization            string
	Country                 string
	CommonName              string
	CACertValidityYears     int
	DefaultCertValidityDays int
	MinRSASize              int
	AllowedECDSACurves      []string

	// Management API keys and their roles, seeded into storage at startup.
	APIKeys map[string][]string
}

const (
	defaultExternalURL  = "https://localhost:8443"
	defaultHTTPAddress  = ":8080"
	defaultHTTPSAddress = ":8443"

	defaultDataDir       = "./data"
	defaultHTTPSCertFile = "./data/https.crt"
	defaultHTTPSKeyFile  = "./data/https.key"

	defaultStorageType = "postgres"
	defaultDBHost      = "localhost"
	defaultDBUser      = "certrelay"
	defaultDBPassword  = "password"
	defaultDBName      = "certrelay"
	defaultDBPort      = 5432
	defaultDBSSLMode   = "disable"

	defaultNonceLifetime       = 10 * time.Minute
	defaultNonceSweepInterval  = 5 * time.Minute
	defaultOrderLifetime       = 24 * time.Hour
	defaultAuthzLifetime       = 24 * time.Hour
	defaultChallengeRetryLimit = 5
	defaultDCVTimeout          = 15 * time.Second
	defaultFinalizeTimeout     = 30 * time.Second

	defaultCABackend = "embedded"

	defaultOrganization            = "CertRelay Authority"
	defaultCountry                 = "US"
	defaultCommonName              = "CertRelay Issuing CA"
	defaultCACertValidityYears     = 10
	defaultCertValidityDays        = 90
	defaultMinRSASize              = 2048
)

var defaultAPIKeys = map[string][]string{
	"policy-admin-api-key": {"admin"},
}

// LoadConfig loads the server configuration from environment variables,
// falling back to defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ExternalURL:  getEnv("CERTRELAY_EXTERNAL_URL", defaultExternalURL),
		HTTPAddress:  getEnv("CERTRELAY_HTTP_ADDRESS", defaultHTTPAddress),
		HTTPSAddress: getEnv("CERTRELAY_HTTPS_ADDRESS", defaultHTTPSAddress),

		DataDir:       getEnv("CERTRELAY_DATA_DIR", defaultDataDir),
		HTTPSCertFile: getEnv("CERTRELAY_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:  getEnv("CERTRELAY_HTTPS_KEY_FILE", defaultHTTPSKeyFile),

		StorageType: getEnv("CERTRELAY_STORAGE_TYPE", defaultStorageType),
		DBHost:      getEnv("CERTRELAY_DB_HOST", defaultDBHost),
		DBUser:      getEnv("CERTRELAY_DB_USER", defaultDBUser),
		DBPassword:  getEnv("CERTRELAY_DB_PASSWORD", defaultDBPassword),
		DBName:      getEnv("CERTRELAY_DB_NAME", defaultDBName),
		DBPort:      getEnvAsInt("CERTRELAY_DB_PORT", defaultDBPort),
		DBSSLMode:   getEnv("CERTRELAY_DB_SSLMODE", defaultDBSSLMode),
		DBCert:      getEnv("CERTRELAY_DB_CERT", ""),
		DBKey:       getEnv("CERTRELAY_DB_KEY", ""),
		DBRootCert:  getEnv("CERTRELAY_DB_ROOTCERT", ""),

		NonceLifetime:       getEnvAsDuration("CERTRELAY_NONCE_LIFETIME", defaultNonceLifetime),
		NonceSweepInterval:  getEnvAsDuration("CERTRELAY_NONCE_SWEEP_INTERVAL", defaultNonceSweepInterval),
		OrderLifetime:       getEnvAsDuration("CERTRELAY_ORDER_LIFETIME", defaultOrderLifetime),
		AuthzLifetime:       getEnvAsDuration("CERTRELAY_AUTHZ_LIFETIME", defaultAuthzLifetime),
		ChallengeRetryLimit: getEnvAsInt("CERTRELAY_CHALLENGE_RETRY_LIMIT", defaultChallengeRetryLimit),
		DCVTimeout:          getEnvAsDuration("CERTRELAY_DCV_TIMEOUT", defaultDCVTimeout),
		FinalizeTimeout:     getEnvAsDuration("CERTRELAY_FINALIZE_TIMEOUT", defaultFinalizeTimeout),

		CABackend: getEnv("CERTRELAY_CA_BACKEND", defaultCABackend),

		Organization:            getEnv("CERTRELAY_ORGANIZATION", defaultOrganization),
		Country:                 getEnv("CERTRELAY_COUNTRY", defaultCountry),
		CommonName:              getEnv("CERTRELAY_COMMON_NAME", defaultCommonName),
		CACertValidityYears:     getEnvAsInt("CERTRELAY_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		DefaultCertValidityDays: getEnvAsInt("CERTRELAY_DEFAULT_CERT_VALIDITY_DAYS", defaultCertValidityDays),
		MinRSASize:              getEnvAsInt("CERTRELAY_MIN_RSA_SIZE", defaultMinRSASize),
		AllowedECDSACurves:      []string{"P-256", "P-384"},

		APIKeys: defaultAPIKeys,
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
