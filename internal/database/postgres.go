package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
)

var db *sql.DB

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// GetConfig returns database configuration with defaults
func GetConfig() *DBConfig {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "homelet")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Minute*5)

	return &DBConfig{
		Host:            viper.GetString("database.host"),
		Port:            viper.GetString("database.port"),
		User:            viper.GetString("database.user"),
		Password:        viper.GetString("database.password"),
		Name:            viper.GetString("database.name"),
		SSLMode:         viper.GetString("database.ssl_mode"),
		MaxOpenConns:    viper.GetInt("database.max_open_conns"),
		MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
	}
}

// InitDB initializes the database connection
func InitDB() (*sql.DB, error) {
	config := GetConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Name, config.SSLMode,
	)

	var err error
	db, err = sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test connection
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	log.Println("Database connection established")
	return db, nil
}

// GetDB returns the database connection
func GetDB() *sql.DB {
	return db
}

// CloseDB closes the database connection
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// InitDatabase initializes database with error handling
func InitDatabase() *sql.DB {
	db, err := InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	if err := EnsureSchema(db); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	return db
}

// EnsureSchema creates the tables the service needs if they do not exist.
// ledger_entries is append-only: the unique entry_id index is what makes
// idempotent retries safe under concurrent writers.
func EnsureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			account_id TEXT NOT NULL UNIQUE,
			phone_number TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'TENANT',
			phone_verified BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			account_name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'TENANT',
			wallet_balance BIGINT NOT NULL DEFAULT 0,
			held_revenue_balance BIGINT NOT NULL DEFAULT 0,
			version INT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id SERIAL PRIMARY KEY,
			entry_id TEXT NOT NULL UNIQUE,
			transfer_id TEXT NOT NULL,
			account_id TEXT NOT NULL REFERENCES accounts(account_id),
			counterparty_account_id TEXT,
			kind TEXT NOT NULL,
			direction TEXT NOT NULL,
			pool TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			contract_id TEXT,
			status TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			reversal_of TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_transfer ON ledger_entries (transfer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_contract ON ledger_entries (contract_id)`,
		`CREATE TABLE IF NOT EXISTS properties (
			id SERIAL PRIMARY KEY,
			property_id TEXT NOT NULL UNIQUE,
			landlord_account_id TEXT NOT NULL REFERENCES accounts(account_id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			city TEXT NOT NULL,
			bedrooms INT NOT NULL DEFAULT 0,
			bathrooms INT NOT NULL DEFAULT 0,
			rent_amount BIGINT NOT NULL,
			photo_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'AVAILABLE',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS contracts (
			id SERIAL PRIMARY KEY,
			contract_id TEXT NOT NULL UNIQUE,
			property_id TEXT NOT NULL REFERENCES properties(property_id),
			landlord_account_id TEXT NOT NULL REFERENCES accounts(account_id),
			tenant_account_id TEXT NOT NULL REFERENCES accounts(account_id),
			lease_start TIMESTAMPTZ NOT NULL,
			lease_duration_months INT NOT NULL,
			due_day_of_month INT NOT NULL,
			rent_amount BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS maintenance_requests (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			contract_id TEXT NOT NULL REFERENCES contracts(contract_id),
			tenant_account_id TEXT NOT NULL REFERENCES accounts(account_id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'OPEN',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS rent_codes (
			id SERIAL PRIMARY KEY,
			code_hash TEXT NOT NULL UNIQUE,
			contract_id TEXT NOT NULL REFERENCES contracts(contract_id),
			landlord_account_id TEXT NOT NULL REFERENCES accounts(account_id),
			amount BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used BOOLEAN NOT NULL DEFAULT false,
			used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
