package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultStateDir         = ".crab-desk"
	defaultDBDriver         = "sqlite"
	defaultAgentCommand     = "claude"
	defaultMaxMessageLength = 1900
	defaultUpdateInterval   = 500 * time.Millisecond
	defaultSessionMaxIdle   = 24 * time.Hour
	defaultSweepInterval    = time.Hour
	defaultQueueSize        = 64

	// discordMessageLimit is the hard cap Discord places on message content.
	discordMessageLimit = 2000
)

type Config struct {
	DiscordBotToken  string
	StateDir         string
	DBDriver         string
	DBDSN            string
	DesksFile        string
	AgentCommand     string
	AgentArgs        []string
	AgentModel       string
	PermissionMode   string
	WorkDir          string
	RelayAddr        string
	MaxMessageLength int
	UpdateInterval   time.Duration
	SessionMaxIdle   time.Duration
	SweepInterval    time.Duration
	QueueSize        int
}

// FromEnv reads the configuration from the environment. Malformed numbers
// and durations are kept as zero so Validate can name the variable.
func FromEnv() Config {
	stateDir := envString("CRAB_DESK_STATE_DIR")
	if stateDir == "" {
		stateDir = defaultStateDir
	}
	driver := strings.ToLower(envString("CRAB_DESK_DB_DRIVER"))
	if driver == "" {
		driver = defaultDBDriver
	}
	dsn := envString("CRAB_DESK_DB_DSN")
	if dsn == "" {
		dsn = defaultDSN(driver, stateDir)
	}
	command := envString("CRAB_DESK_CLAUDE_CMD")
	if command == "" {
		command = defaultAgentCommand
	}

	return Config{
		DiscordBotToken:  envString("DISCORD_BOT_TOKEN"),
		StateDir:         stateDir,
		DBDriver:         driver,
		DBDSN:            dsn,
		DesksFile:        envString("CRAB_DESK_DESKS_FILE"),
		AgentCommand:     command,
		AgentArgs:        strings.Fields(envString("CRAB_DESK_CLAUDE_ARGS")),
		AgentModel:       envString("CRAB_DESK_CLAUDE_MODEL"),
		PermissionMode:   envString("CRAB_DESK_PERMISSION_MODE"),
		WorkDir:          envString("CRAB_DESK_WORKDIR"),
		RelayAddr:        envString("CRAB_DESK_RELAY_ADDR"),
		MaxMessageLength: envInt("CRAB_DESK_MAX_MESSAGE_LENGTH", defaultMaxMessageLength),
		UpdateInterval:   envDuration("CRAB_DESK_UPDATE_INTERVAL", defaultUpdateInterval),
		SessionMaxIdle:   envDuration("CRAB_DESK_SESSION_MAX_IDLE", defaultSessionMaxIdle),
		SweepInterval:    envDuration("CRAB_DESK_SWEEP_INTERVAL", defaultSweepInterval),
		QueueSize:        envInt("CRAB_DESK_QUEUE_SIZE", defaultQueueSize),
	}
}

// ValidateStore checks the settings needed to open the session store.
func (c Config) ValidateStore() error {
	switch c.DBDriver {
	case "sqlite", "postgres", "bbolt", "memory":
	default:
		return fmt.Errorf("CRAB_DESK_DB_DRIVER must be one of sqlite, postgres, bbolt, memory")
	}
	if c.DBDriver == "postgres" && strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("CRAB_DESK_DB_DSN is required for postgres")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("CRAB_DESK_STATE_DIR must not be empty")
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DiscordBotToken) == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if strings.TrimSpace(c.AgentCommand) == "" {
		return fmt.Errorf("CRAB_DESK_CLAUDE_CMD must not be empty")
	}
	if c.MaxMessageLength <= 0 || c.MaxMessageLength > discordMessageLimit {
		return fmt.Errorf("CRAB_DESK_MAX_MESSAGE_LENGTH must be between 1 and %d", discordMessageLimit)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("CRAB_DESK_UPDATE_INTERVAL must be a positive duration")
	}
	if c.SessionMaxIdle <= 0 {
		return fmt.Errorf("CRAB_DESK_SESSION_MAX_IDLE must be a positive duration")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("CRAB_DESK_SWEEP_INTERVAL must be a positive duration")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("CRAB_DESK_QUEUE_SIZE must be positive")
	}
	if addr := strings.TrimSpace(c.RelayAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("CRAB_DESK_RELAY_ADDR is invalid: %w", err)
		}
	}
	return nil
}

func (c Config) ManifestDir() string {
	return filepath.Join(c.StateDir, "manifests")
}

func (c Config) AttachmentDir() string {
	return filepath.Join(c.StateDir, "attachments")
}

func defaultDSN(driver, stateDir string) string {
	switch driver {
	case "sqlite":
		return filepath.Join(stateDir, "sessions.db")
	case "bbolt":
		return filepath.Join(stateDir, "sessions.bolt")
	default:
		return ""
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return value
}
