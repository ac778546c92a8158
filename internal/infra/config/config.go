// Package config reads and validates the archivist's environment configuration.
// It is the single source of truth for every tunable named in the spec's
// configuration table: data directory, pacing knobs, media pipeline limits,
// watcher cadence, and the AI/tracker endpoint settings. It:
//  1. reads .env via godotenv,
//  2. parses and validates every key, falling back to documented defaults,
//  3. accumulates warnings for anything defaulted or malformed,
//  4. exposes the result through a process-wide singleton guarded by a mutex.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig holds every configuration key recognized by the archivist, env
// or dotenv. Values here have already been validated/defaulted by loadConfig;
// call sites may assume EnvConfig is internally consistent.
type EnvConfig struct {
	APIID   int
	APIHash string
	Phone   string

	DataDir     string
	SessionFile string

	LogLevel string

	SyncDelayMs            int
	MediaQueueSize         int
	MaxConcurrentDownloads int
	WatcherCycleSecs       int
	ExportDelayMs          int
	FloodWaitThresholdSecs int
	RunTimeoutSecs         int
	TestDC                 bool

	AiAPIKey string
	AiURL    string
	AiModel  string

	TrelloKey     string
	TrelloToken   string
	TrelloListID  string
	TrelloBoardID string
}

// Config wraps EnvConfig with the warnings accumulated while loading it.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Defaults, per SPEC_FULL §6's configuration table.
const (
	defaultDataDir                = "./data"
	defaultLogLevel               = "info"
	defaultSyncDelayMs            = 500
	defaultMediaQueueSize         = 1000
	defaultMaxConcurrentDownloads = 3
	defaultWatcherCycleSecs       = 600
	defaultExportDelayMs          = 0
	defaultFloodWaitThresholdSecs = 60
	defaultRunTimeoutSecs         = 0
	defaultAiURL                  = "https://api.openai.com/v1/chat/completions"
	defaultAiModel                = "gpt-4o-mini"
)

var (
	cfgInstance *Config
	cfgDone     bool
	cfgMu       sync.Mutex
)

// Load is the entry point for initializing the global configuration. A
// second call returns an error: configuration is loaded exactly once per
// process, on the main goroutine, before any component starts.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig performs the actual load/validation without touching global
// state, so tests can build a throwaway Config and inspect it directly.
func loadConfig(envPath string) (*Config, error) {
	// A missing .env is not fatal: every key may also arrive via the real
	// process environment (e.g. inside a container).
	_ = godotenv.Load(envPath)

	apiID, err := parseRequiredInt("TG_SYNC_API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("TG_SYNC_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TG_SYNC_API_HASH must be set")
	}
	phone := strings.TrimSpace(os.Getenv("TG_SYNC_PHONE_NUMBER"))

	var warnings []string

	dataDir := sanitizeString(os.Getenv("TG_SYNC_DATA_DIR"), defaultDataDir)
	logLevel := sanitizeLogLevel(os.Getenv("TG_SYNC_LOG_LEVEL"), &warnings)
	syncDelay := parseIntDefault("SYNC_DELAY_MS", defaultSyncDelayMs, nonNegative, &warnings)
	mediaQueue := parseIntDefault("TG_SYNC_MEDIA_QUEUE_SIZE", defaultMediaQueueSize, greaterThanZero, &warnings)
	maxConcurrent := parseIntDefault("TG_SYNC_MAX_CONCURRENT_DOWNLOADS", defaultMaxConcurrentDownloads, greaterThanZero, &warnings)
	watcherCycle := parseIntDefault("TG_SYNC_WATCHER_CYCLE_SECS", defaultWatcherCycleSecs, greaterThanZero, &warnings)
	exportDelay := parseIntDefault("EXPORT_DELAY_MS", defaultExportDelayMs, nonNegative, &warnings)
	floodThreshold := parseIntDefault("TG_SYNC_FLOODWAIT_THRESHOLD_SECS", defaultFloodWaitThresholdSecs, greaterThanZero, &warnings)
	runTimeout := parseIntDefault("TG_SYNC_RUN_TIMEOUT_SECS", defaultRunTimeoutSecs, nonNegative, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TG_SYNC_TEST_DC")), "true")

	aiAPIKey := strings.TrimSpace(os.Getenv("TG_SYNC_AI_API_KEY"))
	aiURL := sanitizeString(os.Getenv("TG_SYNC_AI_URL"), defaultAiURL)
	aiModel := sanitizeString(os.Getenv("TG_SYNC_AI_MODEL"), defaultAiModel)

	trelloKey := strings.TrimSpace(os.Getenv("TRELLO_KEY"))
	trelloToken := strings.TrimSpace(os.Getenv("TRELLO_TOKEN"))
	trelloListID := strings.TrimSpace(os.Getenv("TRELLO_LIST_ID"))
	trelloBoardID := strings.TrimSpace(os.Getenv("TRELLO_BOARD_ID"))

	env := EnvConfig{
		APIID:                  apiID,
		APIHash:                apiHash,
		Phone:                  phone,
		DataDir:                dataDir,
		SessionFile:            dataDir + "/session.db",
		LogLevel:               logLevel,
		SyncDelayMs:            syncDelay,
		MediaQueueSize:         mediaQueue,
		MaxConcurrentDownloads: maxConcurrent,
		WatcherCycleSecs:       watcherCycle,
		ExportDelayMs:          exportDelay,
		FloodWaitThresholdSecs: floodThreshold,
		RunTimeoutSecs:         runTimeout,
		TestDC:                 testDC,
		AiAPIKey:               aiAPIKey,
		AiURL:                  aiURL,
		AiModel:                aiModel,
		TrelloKey:              trelloKey,
		TrelloToken:            trelloToken,
		TrelloListID:           trelloListID,
		TrelloBoardID:          trelloBoardID,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings returns the warnings accumulated while loading the global config.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	out := make([]string, len(cfgInstance.warnings))
	copy(out, cfgInstance.warnings)
	return out
}

// Env returns the global singleton's EnvConfig snapshot.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil || (validator != nil && !validator(v)) {
		appendWarningf(warnings, "env %s value %q is invalid; using default %d", name, value, defaultVal)
		return defaultVal
	}
	return v
}

func sanitizeString(value, defaultVal string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return defaultVal
	}
	return v
}

func sanitizeLogLevel(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "debug", "info", "warn", "error":
		return v
	case "":
		return defaultLogLevel
	default:
		appendWarningf(warnings, "env TG_SYNC_LOG_LEVEL value %q is not a recognized level; using default %q", value, defaultLogLevel)
		return defaultLogLevel
	}
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

func appendWarningf(warnings *[]string, format string, args ...any) {
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}
