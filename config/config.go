// Package config loads application configuration.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PULLREKUN_GITHUB_OWNER.
const EnvPrefix = "PULLREKUN"

// DefaultEnvFile is read if it exists. Values already present in the
// environment win.
const DefaultEnvFile = ".env"

// Load reads configuration from the optional YAML file at path, the .env
// file and the environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	return load(viper.New(), path, DefaultEnvFile)
}

// LoadWith is like Load but reads from a caller-owned viper instance so
// that cobra flags bound to it take precedence.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	return load(v, path, DefaultEnvFile)
}

func load(v *viper.Viper, path string, envFile string) (*Config, error) {
	if envMap, err := godotenv.Read(envFile); err == nil {
		for k, val := range envMap {
			if _, exists := os.LookupEnv(k); !exists {
				_ = os.Setenv(k, val)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvs(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("github.hostname", "github.com")
	v.SetDefault("github.check_name", "pullre-kun")

	v.SetDefault("aws.region", "ap-northeast-1")

	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)

	v.SetDefault("clone.script", "./setup_db.sh")

	v.SetDefault("ledger.backend", BoltBackend)
	v.SetDefault("ledger.data_dir", "./data")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.db_name", "pullrekun")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.migrate_timeout", 10*time.Second)
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.min_conns", 1)

	v.SetDefault("locking.backend", LedgerLocking)
	v.SetDefault("locking.dynamodb_table", "pullrekun-locks")
	v.SetDefault("locking.ttl", 30*time.Minute)

	v.SetDefault("release.branch", "master")

	v.SetDefault("timeouts.external", 10*time.Second)
	v.SetDefault("timeouts.clone", 10*time.Minute)

	v.SetDefault("schedule.interval", time.Minute)
	v.SetDefault("schedule.commit_pages", 1)
	v.SetDefault("schedule.issue_pages", 1)
	v.SetDefault("schedule.issue_lookback", 24*time.Hour)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4141)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
}

// keys without a default still need binding so Unmarshal sees env values.
func bindEnvs(v *viper.Viper) {
	keys := []string{
		"github.owner",
		"github.repo",
		"github.user",
		"github.token",
		"github.app_id",
		"github.installation_id",
		"github.private_key_path",
		"aws.access_key_id",
		"aws.secret_access_key",
		"mysql.user",
		"mysql.password",
		"postgres.password",
		"release.sha_url",
		"notify.slack_url",
		"notify.google_chat_url",
		"pool.default_db_schema",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}
