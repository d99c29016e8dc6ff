// Package config reads the settings of the command line tool from
// itchclaim.json5, its local override and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"itchclaim/internal/catalog"
	"itchclaim/internal/feed"
	"itchclaim/internal/rewards"
	"itchclaim/internal/session"
	"itchclaim/lib/configutil"
	configlibsql "itchclaim/lib/configutil/libsql"

	"github.com/joho/godotenv"
)

const DefaultName = "itchclaim.json5"

const (
	EnvUsername = "ITCH_USERNAME"
	EnvPassword = "ITCH_PASSWORD"
	EnvTotp     = "ITCH_TOTP"
)

type Config struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Totp is a base32 secret or a one off code.
	Totp string `json:"totp"`

	DataDir   string `json:"data_dir"`
	ReportDir string `json:"report_dir"`
	FeedUrl   string `json:"feed_url"`
	ResumeUrl string `json:"resume_url"`

	// ScrapeLimit is the reward check budget of one reward scrape.
	ScrapeLimit int   `json:"scrape_limit"`
	SaleStep    int64 `json:"sale_step"`
	// CheckpointEvery flushes the state files every n checkpoints.
	CheckpointEvery   int     `json:"checkpoint_every"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	// RetryBudget is a duration like "5m".
	RetryBudget string `json:"retry_budget"`

	Ledger configlibsql.Struct `json:"ledger"`
}

// Load reads the config at path. A missing file is not an error, every field
// has a default. Variables in a .env file next to the working directory are
// loaded into the environment first.
func Load(path string) (Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	config, err := configutil.ReadConfig[Config](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	config.applyEnv()
	config.applyDefaults()
	return config, config.Validate()
}

func (c *Config) applyEnv() {
	if c.Username == "" {
		c.Username = os.Getenv(EnvUsername)
	}
	if c.Password == "" {
		c.Password = os.Getenv(EnvPassword)
	}
	if c.Totp == "" {
		c.Totp = os.Getenv(EnvTotp)
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.ReportDir == "" {
		c.ReportDir = c.DataDir
	}
	if c.FeedUrl == "" {
		c.FeedUrl = feed.DefaultUrl
	}
	if c.ResumeUrl == "" {
		c.ResumeUrl = feed.DefaultResumeUrl
	}
	if c.ScrapeLimit <= 0 {
		c.ScrapeLimit = rewards.DefaultBudget
	}
	if c.SaleStep <= 0 {
		c.SaleStep = catalog.DefaultSaleStep
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 1
	}
	if c.RetryBudget == "" {
		c.RetryBudget = "5m"
	}
	if c.Ledger.File == "" && c.Ledger.Url == "" {
		c.Ledger.File = filepath.Join(c.DataDir, "ledger.db")
	}
}

func (c Config) Validate() error {
	budget, err := time.ParseDuration(c.RetryBudget)
	if err != nil {
		return fmt.Errorf("retry_budget: %w", err)
	}
	if budget <= 0 {
		return fmt.Errorf("retry_budget must be positive, got %s", c.RetryBudget)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	return nil
}

// RetryBudgetDuration is only valid on a config that passed Validate.
func (c Config) RetryBudgetDuration() time.Duration {
	budget, _ := time.ParseDuration(c.RetryBudget)
	return budget
}

func (c Config) SessionDir() string {
	return filepath.Join(c.DataDir, "session")
}

func (c Config) Credentials() session.Credentials {
	return session.Credentials{
		Username: c.Username,
		Password: c.Password,
		Totp:     c.Totp,
	}
}
