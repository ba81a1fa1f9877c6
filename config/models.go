package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/models"
)

// Ledger backends.
const (
	BoltBackend     = "bolt"
	PostgresBackend = "postgres"
)

// Cycle lock backends. LedgerLocking keeps leases next to the ledger data.
const (
	LedgerLocking   = "ledger"
	DynamoDBLocking = "dynamodb"
	NoLocking       = "none"
)

// Config holds application configuration. It is loaded once at startup
// and never re-read while a cycle is running.
type Config struct {
	GitHub   GitHubConfig   `mapstructure:"github"`
	AWS      AWSConfig      `mapstructure:"aws"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Clone    CloneConfig    `mapstructure:"clone"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Locking  LockingConfig  `mapstructure:"locking"`
	Release  ReleaseConfig  `mapstructure:"release"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pool     PoolConfig     `mapstructure:"pool"`
}

// Validate ensures required fields are present.
func (c Config) Validate() error {
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return errors.New("github.owner and github.repo are required")
	}
	if c.Pool.DefaultDBSchema == "" {
		return errors.New("pool.default_db_schema is required")
	}
	if c.GitHub.CheckName == "" {
		return errors.New("github.check_name must not be empty")
	}
	switch c.Ledger.Backend {
	case BoltBackend:
		if c.Ledger.DataDir == "" {
			return errors.New("ledger.data_dir is required for the bolt backend")
		}
	case PostgresBackend:
		if c.Postgres.Host == "" || c.Postgres.User == "" || c.Postgres.DBName == "" {
			return errors.New("postgres.host, postgres.user and postgres.db_name are required for the postgres backend")
		}
	default:
		return fmt.Errorf("ledger.backend %q not supported, must be %q or %q", c.Ledger.Backend, BoltBackend, PostgresBackend)
	}
	switch c.Locking.Backend {
	case LedgerLocking, NoLocking:
	case DynamoDBLocking:
		if c.Locking.DynamoDBTable == "" {
			return errors.New("locking.dynamodb_table is required for the dynamodb lock backend")
		}
	default:
		return fmt.Errorf("locking.backend %q not supported, must be %q, %q or %q", c.Locking.Backend, LedgerLocking, DynamoDBLocking, NoLocking)
	}
	if c.Locking.Backend != NoLocking && c.Locking.TTL <= 0 {
		return errors.New("locking.ttl must be positive")
	}
	if c.Timeouts.External <= 0 {
		return errors.New("timeouts.external must be positive")
	}
	if c.Schedule.Interval <= 0 {
		return errors.New("schedule.interval must be positive")
	}
	return nil
}

// Repo returns the watched repository.
func (c Config) Repo() models.Repo {
	return models.Repo{Owner: c.GitHub.Owner, Name: c.GitHub.Repo}
}

// ServerAddr returns host:port for the HTTP listener.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GitHubConfig covers both credentials the service uses: basic auth for
// listing pull requests and the GitHub App installation for check runs,
// commits and issues.
type GitHubConfig struct {
	Hostname       string `mapstructure:"hostname"`
	Owner          string `mapstructure:"owner"`
	Repo           string `mapstructure:"repo"`
	User           string `mapstructure:"user"`
	Token          string `mapstructure:"token"`
	AppID          int64  `mapstructure:"app_id"`
	InstallationID int64  `mapstructure:"installation_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	CheckName      string `mapstructure:"check_name"`
}

// HasApp returns true if GitHub App credentials are configured.
func (g GitHubConfig) HasApp() bool {
	return g.AppID != 0 && g.InstallationID != 0 && g.PrivateKeyPath != ""
}

// AWSConfig holds EC2 credentials.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// MySQLConfig is handed to the clone script.
type MySQLConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
}

// CloneConfig locates the schema clone script.
type CloneConfig struct {
	Script string `mapstructure:"script"`
}

// LedgerConfig selects the persistence backend.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// PostgresConfig describes database connection parameters.
type PostgresConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"db_name"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MigrateTimeout time.Duration `mapstructure:"migrate_timeout"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
}

// DSN returns a Postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// LockingConfig selects where the cycle lease lives. TTL must outlast the
// longest cycle, schema clones included.
type LockingConfig struct {
	Backend       string        `mapstructure:"backend"`
	DynamoDBTable string        `mapstructure:"dynamodb_table"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// ReleaseConfig controls where the announced head comes from.
type ReleaseConfig struct {
	SHAURL string `mapstructure:"sha_url"`
	Branch string `mapstructure:"branch"`
}

// NotifyConfig lists chat webhooks. Either may be empty.
type NotifyConfig struct {
	SlackURL      string `mapstructure:"slack_url"`
	GoogleChatURL string `mapstructure:"google_chat_url"`
}

// TimeoutsConfig bounds every outbound call.
type TimeoutsConfig struct {
	External time.Duration `mapstructure:"external"`
	Clone    time.Duration `mapstructure:"clone"`
}

// ScheduleConfig controls the server loop.
type ScheduleConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	CommitPages   int           `mapstructure:"commit_pages"`
	IssuePages    int           `mapstructure:"issue_pages"`
	IssueLookback time.Duration `mapstructure:"issue_lookback"`
}

// ServerConfig contains HTTP listener options.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logger preferences.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// PoolConfig holds allocation fallbacks.
type PoolConfig struct {
	// DefaultDBSchema is used when no GitHub user is known at all.
	DefaultDBSchema string `mapstructure:"default_db_schema"`
}
