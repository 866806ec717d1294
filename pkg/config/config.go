package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/small-frappuccino/guildkeeper/pkg/util"
)

// Environment names accepted by Load.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config holds everything the bot needs at startup. BotToken and GuildID
// are mandatory; Load refuses to return a Config without them.
type Config struct {
	BotToken string
	// GuildID scopes voice tracking and reconciliation to a single guild.
	GuildID            string
	SpawnChannelID     string
	StarboardChannelID string

	// StorePath is the SQLite database file. CacheURL is the redis address
	// (host:port); when empty the process falls back to an in-memory cache.
	StorePath string
	CacheURL  string
	CacheDB   int

	Environment string
	Port        int

	// Optional integration keys. The core never requires them.
	OpenAIKey      string
	ImageGenAPIKey string
}

// Load reads configuration from the environment, with the shared
// $HOME/.local/bin/.env fallback for the bot token. Missing required
// values are an error, not a warning.
func Load() (*Config, error) {
	token, err := util.LoadEnvWithLocalBinFallback("GUILDKEEPER_BOT_TOKEN")
	if err != nil {
		return nil, fmt.Errorf("bot token: %w", err)
	}

	guildID := os.Getenv("GUILDKEEPER_GUILD_ID")
	if guildID == "" {
		return nil, fmt.Errorf("GUILDKEEPER_GUILD_ID not set")
	}

	cfg := &Config{
		BotToken:           token,
		GuildID:            guildID,
		SpawnChannelID:     os.Getenv("GUILDKEEPER_SPAWN_CHANNEL_ID"),
		StarboardChannelID: os.Getenv("GUILDKEEPER_STARBOARD_CHANNEL_ID"),
		StorePath:          os.Getenv("GUILDKEEPER_STORE_PATH"),
		CacheURL:           os.Getenv("GUILDKEEPER_CACHE_URL"),
		Environment:        os.Getenv("GUILDKEEPER_ENVIRONMENT"),
		OpenAIKey:          os.Getenv("GUILDKEEPER_OPENAI_KEY"),
		ImageGenAPIKey:     os.Getenv("GUILDKEEPER_IMAGEGEN_KEY"),
	}

	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	switch cfg.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return nil, fmt.Errorf("invalid GUILDKEEPER_ENVIRONMENT %q", cfg.Environment)
	}

	if v := os.Getenv("GUILDKEEPER_CACHE_DB"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			return nil, fmt.Errorf("invalid GUILDKEEPER_CACHE_DB %q: %w", v, convErr)
		}
		cfg.CacheDB = n
	}

	if v := os.Getenv("GUILDKEEPER_PORT"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid GUILDKEEPER_PORT %q", v)
		}
		cfg.Port = n
	}

	if cfg.StorePath == "" {
		cfg.StorePath = defaultStorePath()
	}

	return cfg, nil
}

// IsProduction reports whether the process runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "guildkeeper.db"
	}
	return home + "/.local/share/guildkeeper/guildkeeper.db"
}
