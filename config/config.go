// Package config loads the scanner's environment configuration and the
// tiered repository target list.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// App
	Env           string        `split_words:"true" default:"prod" validate:"oneof=dev staging prod"`
	LogLevel      string        `split_words:"true" default:"info" validate:"oneof=debug info warn error"`
	ShutdownGrace time.Duration `split_words:"true" default:"15s" validate:"gt=0"`

	// GitHub credentials. At least one PAT or a full App triple must be
	// present; checked in Load since envconfig can't express it.
	GithubToken             string `split_words:"true"`
	GithubTokens            string `split_words:"true"` // comma separated
	GithubTokensFile        string `split_words:"true"` // one token per line
	GithubAppClientID       string `envconfig:"GITHUB_APP_CLIENT_ID"`
	GithubAppPrivateKey     string `envconfig:"GITHUB_APP_PRIVATE_KEY"`
	GithubAppInstallationID int64  `envconfig:"GITHUB_APP_INSTALLATION_ID"`

	// Scan targets and resume
	ReposConfig    string `split_words:"true" default:"repos_config.toml" validate:"required"`
	RunsDir        string `split_words:"true" default:"runs"`
	Resume         string `split_words:"true"` // "", "latest", run id, or checkpoint id
	ForceReanalyze bool   `split_words:"true" default:"false"`

	// Analysis policy
	AnalyzePRs     bool `envconfig:"ANALYZE_PRS" default:"true"`
	PRScanDepth    int  `envconfig:"PR_SCAN_DEPTH" default:"500" validate:"gte=0"`
	ForkMinStars   int  `split_words:"true" default:"1" validate:"gte=0"`
	ForkMaxAgeDays int  `split_words:"true" default:"365" validate:"gt=0"`
	ForkMinAheadBy int  `split_words:"true" default:"1" validate:"gte=0"`

	// Gateway tuning
	PerPage          int           `split_words:"true" default:"100" validate:"gt=0"`
	GithubRateLimit  int           `split_words:"true" default:"80" validate:"gt=0"` // requests per minute
	MaxRetries       int           `split_words:"true" default:"3" validate:"gt=0"`
	MaxRateLimitWait time.Duration `split_words:"true" default:"15m" validate:"gt=0"`
	CompareWorkers   int           `split_words:"true" default:"5" validate:"gt=0"`
	UserCacheSize    int           `split_words:"true" default:"1000" validate:"gt=0"`
	UserCacheTTL     time.Duration `split_words:"true" default:"1h" validate:"gt=0"`

	// Checkpointing
	CheckpointInterval time.Duration `split_words:"true" default:"5m" validate:"gt=0"`
	RedisURL           string        `split_words:"true"` // set to store checkpoints in Redis
	RedisConnTimeout   time.Duration `split_words:"true" default:"3s" validate:"gt=0"`
}

type Loader struct {
	Prefix   string
	Validate *validator.Validate
}

func NewLoader(prefix string) *Loader {
	return &Loader{Prefix: prefix, Validate: validator.New()}
}

func (l *Loader) Load() (Config, error) {
	var cfg Config

	if err := loadDotEnv(); err != nil {
		slog.Debug("dotenv", "detail", err)
	}
	if err := envconfig.Process(l.Prefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env load: %w", err)
	}
	if err := l.Validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}
	if len(cfg.Tokens()) == 0 && !cfg.HasAppCredential() {
		return cfg, fmt.Errorf("config validation: no GitHub credentials configured")
	}

	slog.Info("config loaded",
		"env", cfg.Env,
		"log_level", cfg.LogLevel,
		"tokens", len(cfg.Tokens()),
		"app_credential", cfg.HasAppCredential(),
		"repos_config", cfg.ReposConfig)
	return cfg, nil
}

// Tokens collects personal access tokens from GITHUB_TOKENS, GITHUB_TOKEN,
// and the optional tokens file, deduplicated and with obviously malformed
// entries dropped.
func (c Config) Tokens() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return
		}
		if len(tok) < 10 {
			slog.Warn("skipping invalid token (too short)", "prefix", tok[:min(4, len(tok))])
			return
		}
		if _, dup := seen[tok]; dup {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	for _, tok := range strings.Split(c.GithubTokens, ",") {
		add(tok)
	}
	add(c.GithubToken)

	if c.GithubTokensFile != "" {
		data, err := os.ReadFile(c.GithubTokensFile)
		if err != nil {
			slog.Warn("tokens file unreadable", "path", c.GithubTokensFile, "error", err)
		} else {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				add(line)
			}
		}
	}
	return out
}

// HasAppCredential reports whether a complete GitHub App installation
// credential is configured.
func (c Config) HasAppCredential() bool {
	return c.GithubAppClientID != "" && c.GithubAppPrivateKey != "" && c.GithubAppInstallationID != 0
}

func loadDotEnv() error {
	files := []string{".env"}
	if appEnv := strings.TrimSpace(os.Getenv("APP_ENV")); appEnv != "" {
		files = append(files, ".env."+appEnv)
	}

	var loadedAny bool
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Overload(f); err != nil {
			slog.Warn("dotenv load failed", "file", f, "error", err)
			continue
		}
		loadedAny = true
	}
	if !loadedAny {
		return fmt.Errorf("no .env files found (looked for: %s)", strings.Join(files, ", "))
	}
	return nil
}
