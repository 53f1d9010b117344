package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
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
	logger = l.With(zap.String("package", "storage"))
}

// --- Interfaces ---

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// Storage helpers work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage is the persistence boundary for the protocol engine.
//
// The ForUpdate getters take a row lock and are only meaningful inside
// WithinTransaction; the engines use them to serialize status transitions on
// a single order or authorization.
type Storage interface {
	// Nonces
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)

	// Accounts
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error)

	// Orders
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error)

	// Authorizations
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationForUpdate(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)

	// Challenges
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)

	// Issued certificates
	SaveCertificateData(ctx context.Context, certData *model.CertificateData) error
	GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error)

	// Embedded issuer key material
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)

	// Identifier policy
	AddAllowedDomain(ctx context.Context, domain string) error
	DeleteAllowedDomain(ctx context.Context, domain string) error
	ListAllowedDomains(ctx context.Context) ([]string, error)
	IsDomainAllowed(ctx context.Context, domain string) (bool, error) // Exact match OR suffix match

	AddAllowedSuffix(ctx context.Context, suffix string) error
	DeleteAllowedSuffix(ctx context.Context, suffix string) error
	ListAllowedSuffixes(ctx context.Context) ([]string, error)

	// Management API keys
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	// Transaction helper (only implemented on the pool-backed store)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// --- PostgreSQL implementation ---

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewStorage is the factory function.
func NewStorage(storageType string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = db.PingContext(pingCtx)
	if err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgreSQLStorage{db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	tableAndIndexStmts := []string{
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, public_key_jwk TEXT NOT NULL, key_thumbprint TEXT NOT NULL UNIQUE, contact TEXT[], status TEXT NOT NULL, tos_agreed BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, error_json JSONB, certificate_serial TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, order_id TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL, validated_at TIMESTAMP WITH TIME ZONE, error_json JSONB, attempts INTEGER NOT NULL DEFAULT 0, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		`CREATE TABLE IF NOT EXISTS certificates_data ( serial_number TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, chain_pem TEXT, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, account_id TEXT NOT NULL, order_id TEXT NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_order_id ON certificates_data (order_id);`,
		`CREATE TABLE IF NOT EXISTS ca_data ( id INTEGER PRIMARY KEY DEFAULT 1, key_data BYTEA, cert_data BYTEA, CONSTRAINT ca_data_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_domains (domain TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW());`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_suffixes (suffix TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW());`,
	}

	for i, stmt := range tableAndIndexStmts {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_orders_account_id') THEN
                ALTER TABLE acme_orders ADD CONSTRAINT fk_acme_orders_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_authorizations_order_id') THEN
                ALTER TABLE acme_authorizations ADD CONSTRAINT fk_acme_authorizations_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_challenges_authorization_id') THEN
                ALTER TABLE acme_challenges ADD CONSTRAINT fk_acme_challenges_authorization_id FOREIGN KEY (authorization_id) REFERENCES acme_authorizations(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_certificates_data_order_id') THEN
                ALTER TABLE certificates_data ADD CONSTRAINT fk_certificates_data_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE RESTRICT;
            END IF;
        END $$;`

	_, err := db.ExecContext(ctx, fkStmt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("code", string(pqErr.Code)),
				zap.String("message", pqErr.Message),
				zap.String("constraint", pqErr.Constraint),
			)
		}
		return fmt.Errorf("storage: failed to initialize database schema (foreign keys): %w", err)
	}

	logger.Info("Database schema initialization check complete")
	return nil
}

// =============================================
// PostgreSQLStorage method implementations
// =============================================

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	err = fn(ctx, txStore)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.db, nonce)
}
func (s *PostgreSQLStorage) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.db, nonceValue)
}
func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.db)
}

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.db, acc)
}
func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error) {
	return getAccountByKeyThumbprint(ctx, s.db, thumbprint)
}

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.db, order)
}
func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.db, id, false)
}
func (s *PostgreSQLStorage) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.db, id, true)
}
func (s *PostgreSQLStorage) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	return getOrdersByAccountID(ctx, s.db, accountID)
}

func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.db, authz)
}
func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.db, id, false)
}
func (s *PostgreSQLStorage) GetAuthorizationForUpdate(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.db, id, true)
}
func (s *PostgreSQLStorage) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.db, orderID)
}

func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.db, chal)
}
func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.db, authzID)
}

func (s *PostgreSQLStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.db, certData)
}
func (s *PostgreSQLStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.db, serialNumber)
}

func (s *PostgreSQLStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAPrivateKey(ctx, s.db, keyBytes)
}
func (s *PostgreSQLStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAPrivateKey(ctx, s.db)
}
func (s *PostgreSQLStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCACertificate(ctx, s.db, certBytes)
}
func (s *PostgreSQLStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCACertificate(ctx, s.db)
}

func (s *PostgreSQLStorage) AddAllowedDomain(ctx context.Context, domain string) error {
	return addAllowedDomain(ctx, s.db, domain)
}
func (s *PostgreSQLStorage) DeleteAllowedDomain(ctx context.Context, domain string) error {
	return deleteAllowedDomain(ctx, s.db, domain)
}
func (s *PostgreSQLStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return listAllowedDomains(ctx, s.db)
}
func (s *PostgreSQLStorage) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	return isDomainAllowed(ctx, s.db, domain)
}
func (s *PostgreSQLStorage) AddAllowedSuffix(ctx context.Context, suffix string) error {
	return addAllowedSuffix(ctx, s.db, suffix)
}
func (s *PostgreSQLStorage) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	return deleteAllowedSuffix(ctx, s.db, suffix)
}
func (s *PostgreSQLStorage) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return listAllowedSuffixes(ctx, s.db)
}

func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.db, apiKey, roles)
}
func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.db, apiKey)
}

// =============================================
// postgresTxStore method implementations
// =============================================

// Close is a no-op for a transaction store.
func (s *postgresTxStore) Close() error { return nil }

// WithinTransaction cannot be called on an already active transaction store.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return errors.New("storage: cannot start a transaction within an existing transaction")
}

func (s *postgresTxStore) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.tx, nonce)
}
func (s *postgresTxStore) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.tx, nonceValue)
}
func (s *postgresTxStore) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.tx)
}

func (s *postgresTxStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.tx, acc)
}
func (s *postgresTxStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.tx, id)
}
func (s *postgresTxStore) GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error) {
	return getAccountByKeyThumbprint(ctx, s.tx, thumbprint)
}

func (s *postgresTxStore) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.tx, order)
}
func (s *postgresTxStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.tx, id, false)
}
func (s *postgresTxStore) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.tx, id, true)
}
func (s *postgresTxStore) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	return getOrdersByAccountID(ctx, s.tx, accountID)
}

func (s *postgresTxStore) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.tx, authz)
}
func (s *postgresTxStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.tx, id, false)
}
func (s *postgresTxStore) GetAuthorizationForUpdate(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.tx, id, true)
}
func (s *postgresTxStore) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.tx, orderID)
}

func (s *postgresTxStore) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.tx, chal)
}
func (s *postgresTxStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.tx, id)
}
func (s *postgresTxStore) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.tx, authzID)
}

func (s *postgresTxStore) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.tx, certData)
}
func (s *postgresTxStore) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.tx, serialNumber)
}

func (s *postgresTxStore) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAPrivateKey(ctx, s.tx, keyBytes)
}
func (s *postgresTxStore) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAPrivateKey(ctx, s.tx)
}
func (s *postgresTxStore) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCACertificate(ctx, s.tx, certBytes)
}
func (s *postgresTxStore) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCACertificate(ctx, s.tx)
}

func (s *postgresTxStore) AddAllowedDomain(ctx context.Context, domain string) error {
	return addAllowedDomain(ctx, s.tx, domain)
}
func (s *postgresTxStore) DeleteAllowedDomain(ctx context.Context, domain string) error {
	return deleteAllowedDomain(ctx, s.tx, domain)
}
func (s *postgresTxStore) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return listAllowedDomains(ctx, s.tx)
}
func (s *postgresTxStore) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	return isDomainAllowed(ctx, s.tx, domain)
}
func (s *postgresTxStore) AddAllowedSuffix(ctx context.Context, suffix string) error {
	return addAllowedSuffix(ctx, s.tx, suffix)
}
func (s *postgresTxStore) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	return deleteAllowedSuffix(ctx, s.tx, suffix)
}
func (s *postgresTxStore) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return listAllowedSuffixes(ctx, s.tx)
}

func (s *postgresTxStore) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.tx, apiKey, roles)
}
func (s *postgresTxStore) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.tx, apiKey)
}

// =============================================
// Unexported helper implementations
// =============================================

// --- Nonce helpers ---

func saveNonce(ctx context.Context, q Querier, nonce *model.Nonce) error {
	query := `INSERT INTO acme_nonces (value, expires_at, issued_at) VALUES ($1, $2, $3)`
	_, err := q.ExecContext(ctx, query, nonce.Value, nonce.ExpiresAt, nonce.IssuedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save nonce: %w", err)
	}
	return nil
}

// consumeNonce atomically deletes the nonce row iff it exists and has not
// expired. The DELETE ... RETURNING makes first-caller-wins linearizable:
// a second concurrent consumer sees zero rows. Returns (nil, nil) for an
// unknown, used or expired nonce.
func consumeNonce(ctx context.Context, q Querier, nonceValue string) (*model.Nonce, error) {
	query := `DELETE FROM acme_nonces WHERE value = $1 AND expires_at > NOW() RETURNING value, expires_at, issued_at`
	var nonce model.Nonce
	err := q.QueryRowContext(ctx, query, nonceValue).Scan(&nonce.Value, &nonce.ExpiresAt, &nonce.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to consume nonce: %w", err)
	}
	return &nonce, nil
}

func deleteExpiredNonces(ctx context.Context, q Querier) (int64, error) {
	query := `DELETE FROM acme_nonces WHERE expires_at <= NOW()`
	res, err := q.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Debug("Deleted expired nonces", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- Account helpers ---

func saveAccount(ctx context.Context, q Querier, acc *model.Account) error {
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	query := `
        INSERT INTO acme_accounts (id, public_key_jwk, key_thumbprint, contact, status, tos_agreed, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            contact = EXCLUDED.contact, status = EXCLUDED.status,
            tos_agreed = EXCLUDED.tos_agreed, last_modified_at = EXCLUDED.last_modified_at`
	_, err := q.ExecContext(ctx, query,
		acc.ID, acc.PublicKeyJWK, acc.KeyThumbprint, pq.Array(acc.Contact),
		acc.Status, acc.TermsOfService, acc.CreatedAt, acc.LastModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.ID, err)
	}
	logger.Debug("Account saved", zap.String("accountID", acc.ID))
	return nil
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var acc model.Account
	var contacts pq.StringArray
	err := row.Scan(&acc.ID, &acc.PublicKeyJWK, &acc.KeyThumbprint, &contacts, &acc.Status, &acc.TermsOfService, &acc.CreatedAt, &acc.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	acc.Contact = contacts
	return &acc, nil
}

func getAccount(ctx context.Context, q Querier, id string) (*model.Account, error) {
	query := `SELECT id, public_key_jwk, key_thumbprint, contact, status, tos_agreed, created_at, last_modified_at FROM acme_accounts WHERE id = $1`
	acc, err := scanAccount(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account '%s': %w", id, err)
	}
	return acc, nil
}

func getAccountByKeyThumbprint(ctx context.Context, q Querier, thumbprint string) (*model.Account, error) {
	query := `SELECT id, public_key_jwk, key_thumbprint, contact, status, tos_agreed, created_at, last_modified_at FROM acme_accounts WHERE key_thumbprint = $1`
	acc, err := scanAccount(q.QueryRowContext(ctx, query, thumbprint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account by key thumbprint: %w", err)
	}
	return acc, nil
}

// --- Order helpers ---

func saveOrder(ctx context.Context, q Querier, order *model.Order) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	identifiersBytes, err := json.Marshal(order.Identifiers)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal order identifiers for '%s': %w", order.ID, err)
	}
	var sqlErrorJSON sql.NullString
	if order.Error != nil {
		errorBytes, err := json.Marshal(order.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal order error for '%s': %w", order.ID, err)
		}
		sqlErrorJSON = sql.NullString{String: string(errorBytes), Valid: true}
	}
	query := `
        INSERT INTO acme_orders (id, account_id, status, expires_at, identifiers_json, not_before, not_after, error_json, certificate_serial, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at,
            error_json = EXCLUDED.error_json, certificate_serial = EXCLUDED.certificate_serial, last_modified_at = EXCLUDED.last_modified_at`
	var sqlNotBefore, sqlNotAfter sql.NullTime
	if order.NotBefore != nil {
		sqlNotBefore = sql.NullTime{Time: *order.NotBefore, Valid: true}
	}
	if order.NotAfter != nil {
		sqlNotAfter = sql.NullTime{Time: *order.NotAfter, Valid: true}
	}
	var sqlCertSerial sql.NullString
	if order.CertificateSerial != "" {
		sqlCertSerial = sql.NullString{String: order.CertificateSerial, Valid: true}
	}
	_, err = q.ExecContext(ctx, query, order.ID, order.AccountID, order.Status, order.Expires, string(identifiersBytes), sqlNotBefore, sqlNotAfter, sqlErrorJSON, sqlCertSerial, order.CreatedAt, order.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save order '%s': %w", order.ID, err)
	}
	logger.Debug("Order saved", zap.String("orderID", order.ID), zap.String("status", order.Status))
	return nil
}

func scanOrderRow(scan func(dest ...interface{}) error) (*model.Order, error) {
	var order model.Order
	var identifiersJSONBytes, errorJSONBytes []byte
	var sqlNotBefore, sqlNotAfter sql.NullTime
	var sqlCertSerial sql.NullString
	err := scan(&order.ID, &order.AccountID, &order.Status, &order.Expires, &identifiersJSONBytes, &sqlNotBefore, &sqlNotAfter, &errorJSONBytes, &sqlCertSerial, &order.CreatedAt, &order.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	if len(identifiersJSONBytes) > 0 {
		if err := json.Unmarshal(identifiersJSONBytes, &order.Identifiers); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal identifiers for order '%s': %w", order.ID, err)
		}
	}
	if len(errorJSONBytes) > 0 {
		order.Error = &model.ProblemDetails{}
		if err := json.Unmarshal(errorJSONBytes, order.Error); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal error for order '%s': %w", order.ID, err)
		}
	}
	if sqlNotBefore.Valid {
		t := sqlNotBefore.Time
		order.NotBefore = &t
	}
	if sqlNotAfter.Valid {
		t := sqlNotAfter.Time
		order.NotAfter = &t
	}
	if sqlCertSerial.Valid {
		order.CertificateSerial = sqlCertSerial.String
	}
	return &order, nil
}

const orderColumns = `id, account_id, status, expires_at, identifiers_json, not_before, not_after, error_json, certificate_serial, created_at, last_modified_at`

func getOrder(ctx context.Context, q Querier, id string, forUpdate bool) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrderRow(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get order '%s': %w", id, err)
	}
	return order, nil
}

func getOrdersByAccountID(ctx context.Context, q Querier, accountID string) ([]*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE account_id = $1 ORDER BY created_at DESC`
	rows, err := q.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders for account '%s': %w", accountID, err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		order, err := scanOrderRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row for account '%s': %w", accountID, err)
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows for account '%s': %w", accountID, err)
	}
	return orders, nil
}

// --- Authorization helpers ---

func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	identifierBytes, err := json.Marshal(authz.Identifier)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal authz identifier for '%s': %w", authz.ID, err)
	}
	query := `
        INSERT INTO acme_authorizations (id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at`
	_, err = q.ExecContext(ctx, query, authz.ID, authz.AccountID, authz.OrderID, string(identifierBytes), authz.Status, authz.Expires, authz.Wildcard, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.ID, err)
	}
	logger.Debug("Authorization saved", zap.String("authzID", authz.ID), zap.String("status", authz.Status))
	return nil
}

const authzColumns = `id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at`

func scanAuthzRow(scan func(dest ...interface{}) error) (*model.Authorization, error) {
	var authz model.Authorization
	var identifierJSONBytes []byte
	err := scan(&authz.ID, &authz.AccountID, &authz.OrderID, &identifierJSONBytes, &authz.Status, &authz.Expires, &authz.Wildcard, &authz.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(identifierJSONBytes) == 0 {
		return nil, fmt.Errorf("storage: inconsistent data - identifier JSON is empty for authorization '%s'", authz.ID)
	}
	if err := json.Unmarshal(identifierJSONBytes, &authz.Identifier); err != nil {
		return nil, fmt.Errorf("storage: failed to unmarshal identifier for authorization '%s': %w", authz.ID, err)
	}
	return &authz, nil
}

func getAuthorization(ctx context.Context, q Querier, id string, forUpdate bool) (*model.Authorization, error) {
	query := `SELECT ` + authzColumns + ` FROM acme_authorizations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	authz, err := scanAuthzRow(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get authorization '%s': %w", id, err)
	}
	return authz, nil
}

func getAuthorizationsByOrderID(ctx context.Context, q Querier, orderID string) ([]*model.Authorization, error) {
	query := `SELECT ` + authzColumns + ` FROM acme_authorizations WHERE order_id = $1 ORDER BY created_at ASC`
	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations for order '%s': %w", orderID, err)
	}
	defer rows.Close()
	authorizations := make([]*model.Authorization, 0)
	for rows.Next() {
		authz, err := scanAuthzRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row for order '%s': %w", orderID, err)
		}
		authorizations = append(authorizations, authz)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows for order '%s': %w", orderID, err)
	}
	return authorizations, nil
}

// --- Challenge helpers ---

func saveChallenge(ctx context.Context, q Querier, chal *model.Challenge) error {
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	var sqlErrorJSON sql.NullString
	if chal.Error != nil {
		errorBytes, err := json.Marshal(chal.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal challenge error for '%s': %w", chal.ID, err)
		}
		sqlErrorJSON = sql.NullString{String: string(errorBytes), Valid: true}
	}
	var sqlValidatedAt sql.NullTime
	if chal.Validated != nil {
		sqlValidatedAt = sql.NullTime{Time: *chal.Validated, Valid: true}
	}
	query := `
        INSERT INTO acme_challenges (id, authorization_id, type, status, token, validated_at, error_json, attempts, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
            validated_at = EXCLUDED.validated_at, error_json = EXCLUDED.error_json, attempts = EXCLUDED.attempts`
	_, err := q.ExecContext(ctx, query, chal.ID, chal.AuthorizationID, chal.Type, chal.Status, chal.Token, sqlValidatedAt, sqlErrorJSON, chal.Attempts, chal.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge '%s': %w", chal.ID, err)
	}
	logger.Debug("Challenge saved", zap.String("challengeID", chal.ID), zap.String("status", chal.Status))
	return nil
}

const challengeColumns = `id, authorization_id, type, status, token, validated_at, error_json, attempts, created_at`

func scanChallengeRow(scan func(dest ...interface{}) error) (*model.Challenge, error) {
	var chal model.Challenge
	var errorJSONBytes []byte
	var sqlValidatedAt sql.NullTime
	err := scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &chal.Status, &chal.Token, &sqlValidatedAt, &errorJSONBytes, &chal.Attempts, &chal.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(errorJSONBytes) > 0 {
		chal.Error = &model.ProblemDetails{}
		if err := json.Unmarshal(errorJSONBytes, chal.Error); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal error for challenge '%s': %w", chal.ID, err)
		}
	}
	if sqlValidatedAt.Valid {
		t := sqlValidatedAt.Time
		chal.Validated = &t
	}
	return &chal, nil
}

func getChallenge(ctx context.Context, q Querier, id string) (*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE id = $1`
	chal, err := scanChallengeRow(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge '%s': %w", id, err)
	}
	return chal, nil
}

func getChallengesByAuthorizationID(ctx context.Context, q Querier, authzID string) ([]*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE authorization_id = $1 ORDER BY created_at ASC, type ASC`
	rows, err := q.QueryContext(ctx, query, authzID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges for authorization '%s': %w", authzID, err)
	}
	defer rows.Close()
	challenges := make([]*model.Challenge, 0)
	for rows.Next() {
		chal, err := scanChallengeRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row for authorization '%s': %w", authzID, err)
		}
		challenges = append(challenges, chal)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows for authorization '%s': %w", authzID, err)
	}
	return challenges, nil
}

// --- Certificate data helpers ---

func saveCertificateData(ctx context.Context, q Querier, certData *model.CertificateData) error {
	query := `
        INSERT INTO certificates_data
            (serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (serial_number) DO NOTHING`
	var sqlChainPEM sql.NullString
	if certData.ChainPEM != "" {
		sqlChainPEM = sql.NullString{String: certData.ChainPEM, Valid: true}
	}
	_, err := q.ExecContext(ctx, query, certData.SerialNumber, certData.CertificatePEM, sqlChainPEM, certData.IssuedAt, certData.ExpiresAt, certData.AccountID, certData.OrderID)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate data for serial '%s': %w", certData.SerialNumber, err)
	}
	logger.Debug("Certificate data saved", zap.String("serialNumber", certData.SerialNumber))
	return nil
}

func getCertificateData(ctx context.Context, q Querier, serialNumber string) (*model.CertificateData, error) {
	query := `SELECT serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id FROM certificates_data WHERE serial_number = $1`
	var certData model.CertificateData
	var sqlChainPEM sql.NullString
	err := q.QueryRowContext(ctx, query, serialNumber).Scan(&certData.SerialNumber, &certData.CertificatePEM, &sqlChainPEM, &certData.IssuedAt, &certData.ExpiresAt, &certData.AccountID, &certData.OrderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate data for serial '%s': %w", serialNumber, err)
	}
	if sqlChainPEM.Valid {
		certData.ChainPEM = sqlChainPEM.String
	}
	return &certData, nil
}

// --- CA data helpers ---

func saveCAPrivateKey(ctx context.Context, q Querier, keyBytes []byte) error {
	query := `INSERT INTO ca_data (id, key_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET key_data = EXCLUDED.key_data`
	_, err := q.ExecContext(ctx, query, keyBytes)
	if err != nil {
		return fmt.Errorf("storage: failed to save CA private key: %w", err)
	}
	return nil
}

func getCAPrivateKey(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT key_data FROM ca_data WHERE id = 1`
	var keyBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&keyBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA private key: %w", err)
	}
	return keyBytes, nil
}

func saveCACertificate(ctx context.Context, q Querier, certBytes []byte) error {
	query := `INSERT INTO ca_data (id, cert_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET cert_data = EXCLUDED.cert_data`
	_, err := q.ExecContext(ctx, query, certBytes)
	if err != nil {
		return fmt.Errorf("storage: failed to save CA certificate: %w", err)
	}
	return nil
}

func getCACertificate(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT cert_data FROM ca_data WHERE id = 1`
	var certBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&certBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA certificate: %w", err)
	}
	return certBytes, nil
}

// --- API key helpers ---

func saveAPIKey(ctx context.Context, q Querier, apiKey string, roles []string) error {
	query := `INSERT INTO api_keys (api_key, roles) VALUES ($1, $2) ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`
	_, err := q.ExecContext(ctx, query, apiKey, pq.Array(roles))
	if err != nil {
		return fmt.Errorf("storage: failed to save API key '%s...': %w", apiKey[:min(8, len(apiKey))], err)
	}
	return nil
}

func getAPIKey(ctx context.Context, q Querier, apiKey string) ([]string, error) {
	query := `SELECT roles FROM api_keys WHERE api_key = $1`
	var roles pq.StringArray
	err := q.QueryRowContext(ctx, query, apiKey).Scan(&roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get API key '%s...': %w", apiKey[:min(8, len(apiKey))], err)
	}
	return []string(roles), nil
}

// --- Policy helpers ---

func addAllowedDomain(ctx context.Context, q Querier, domain string) error {
	normDomain := strings.ToLower(strings.TrimSpace(domain))
	if normDomain == "" {
		return errors.New("storage: allowed domain cannot be empty")
	}
	query := `INSERT INTO policy_allowed_domains (domain, added_at) VALUES ($1, NOW()) ON CONFLICT (domain) DO NOTHING`
	_, err := q.ExecContext(ctx, query, normDomain)
	if err != nil {
		return fmt.Errorf("storage: failed to add allowed domain '%s': %w", normDomain, err)
	}
	return nil
}

func deleteAllowedDomain(ctx context.Context, q Querier, domain string) error {
	normDomain := strings.ToLower(strings.TrimSpace(domain))
	if normDomain == "" {
		return errors.New("storage: domain to delete cannot be empty")
	}
	query := `DELETE FROM policy_allowed_domains WHERE domain = $1`
	res, err := q.ExecContext(ctx, query, normDomain)
	if err != nil {
		return fmt.Errorf("storage: failed to delete allowed domain '%s': %w", normDomain, err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		logger.Warn("DeleteAllowedDomain affected 0 rows", zap.String("domain", normDomain))
	}
	return nil
}

func listAllowedDomains(ctx context.Context, q Querier) ([]string, error) {
	return listPolicyColumn(ctx, q, `SELECT domain FROM policy_allowed_domains ORDER BY domain ASC`)
}

func addAllowedSuffix(ctx context.Context, q Querier, suffix string) error {
	normSuffix := strings.ToLower(strings.TrimSpace(suffix))
	normSuffix = strings.TrimPrefix(normSuffix, ".")
	if normSuffix == "" {
		return errors.New("storage: allowed suffix cannot be empty")
	}
	query := `INSERT INTO policy_allowed_suffixes (suffix, added_at) VALUES ($1, NOW()) ON CONFLICT (suffix) DO NOTHING`
	_, err := q.ExecContext(ctx, query, normSuffix)
	if err != nil {
		return fmt.Errorf("storage: failed to add allowed suffix '%s': %w", normSuffix, err)
	}
	return nil
}

func deleteAllowedSuffix(ctx context.Context, q Querier, suffix string) error {
	normSuffix := strings.ToLower(strings.TrimSpace(suffix))
	normSuffix = strings.TrimPrefix(normSuffix, ".")
	if normSuffix == "" {
		return errors.New("storage: suffix to delete cannot be empty")
	}
	query := `DELETE FROM policy_allowed_suffixes WHERE suffix = $1`
	res, err := q.ExecContext(ctx, query, normSuffix)
	if err != nil {
		return fmt.Errorf("storage: failed to delete allowed suffix '%s': %w", normSuffix, err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		logger.Warn("DeleteAllowedSuffix affected 0 rows", zap.String("suffix", normSuffix))
	}
	return nil
}

func listAllowedSuffixes(ctx context.Context, q Querier) ([]string, error) {
	return listPolicyColumn(ctx, q, `SELECT suffix FROM policy_allowed_suffixes ORDER BY suffix ASC`)
}

func listPolicyColumn(ctx context.Context, q Querier, query string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query policy table: %w", err)
	}
	defer rows.Close()
	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: failed to scan policy row: %w", err)
		}
		values = append(values, v)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating policy rows: %w", err)
	}
	return values, nil
}

// isDomainAllowed checks if a domain exactly matches an allowed domain OR is
// covered by an allowed suffix. A wildcard label is stripped before matching
// so "*.corp.example.com" is governed by the policy for "corp.example.com".
func isDomainAllowed(ctx context.Context, q Querier, domain string) (bool, error) {
	normDomain := strings.ToLower(strings.TrimSpace(domain))
	normDomain = strings.TrimPrefix(normDomain, "*.")
	if normDomain == "" {
		return false, errors.New("domain cannot be empty")
	}

	queryExact := `SELECT 1 FROM policy_allowed_domains WHERE domain = $1 LIMIT 1`
	var dummy int
	err := q.QueryRowContext(ctx, queryExact, normDomain).Scan(&dummy)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("storage: error checking exact domain match for '%s': %w", normDomain, err)
	}

	suffixes, err := listAllowedSuffixes(ctx, q)
	if err != nil {
		return false, fmt.Errorf("storage: failed to retrieve suffixes for domain check '%s': %w", normDomain, err)
	}
	for _, suffix := range suffixes {
		if normDomain == suffix || strings.HasSuffix(normDomain, "."+suffix) {
			return true, nil
		}
	}
	return false, nil
}
