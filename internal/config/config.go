// Package config loads gateway configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config describes runtime options for the gateway daemon.
type Config struct {
	Port      int
	APIPrefix string
	DataDir   string

	// Caller credentials allowed to draw from the shared pool.
	AuthorizationList []string
	// Upstream hosts to impersonate; one is picked per session.
	UpstreamHosts []string
	// Proxy route templates; "{}" is substituted with a per-credential session id.
	ProxyURLs []string
	// Browser impersonation profiles assigned to new fingerprints.
	ImpersonateProfiles []string

	AutoSeed         bool
	RandomToken      bool
	RetryTimes       int
	EnableLimit      bool
	HistoryDisabled  bool
	ConversationOnly bool
	UploadByURL      bool
	OAILanguage      string
	PowDifficulty    string

	ScheduledRefresh bool
	RefreshInterval  string // duration string, default 48h

	LogFile    string
	LedgerPath string
	RedisAddr  string // optional distributed admin rate-limit store

	// Optional YAML file overriding the model alias / fingerprint catalog.
	ModelCatalogFile string
}

var defaultImpersonateProfiles = []string{"chrome119", "chrome120", "chrome123", "edge99", "edge101"}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:                parseOptionalInt(os.Getenv("PORT"), 5005),
		APIPrefix:           strings.Trim(strings.TrimSpace(os.Getenv("API_PREFIX")), "/"),
		DataDir:             firstNonEmpty(os.Getenv("DATA_DIR"), "data"),
		AuthorizationList:   parseCSV(strings.ReplaceAll(os.Getenv("AUTHORIZATION"), " ", "")),
		UpstreamHosts:       parseCSV(strings.ReplaceAll(os.Getenv("CHATGPT_BASE_URL"), " ", "")),
		ProxyURLs:           parseCSV(strings.ReplaceAll(os.Getenv("PROXY_URL"), " ", "")),
		ImpersonateProfiles: parseCSV(os.Getenv("IMPERSONATE_PROFILES")),
		AutoSeed:            parseOptionalBool(os.Getenv("AUTO_SEED"), true),
		RandomToken:         parseOptionalBool(os.Getenv("RANDOM_TOKEN"), true),
		RetryTimes:          parseOptionalInt(os.Getenv("RETRY_TIMES"), 3),
		EnableLimit:         parseOptionalBool(os.Getenv("ENABLE_LIMIT"), true),
		HistoryDisabled:     parseOptionalBool(os.Getenv("HISTORY_DISABLED"), true),
		ConversationOnly:    parseOptionalBool(os.Getenv("CONVERSATION_ONLY"), false),
		UploadByURL:         parseOptionalBool(os.Getenv("UPLOAD_BY_URL"), false),
		OAILanguage:         firstNonEmpty(os.Getenv("OAI_LANGUAGE"), "en-US"),
		PowDifficulty:       firstNonEmpty(os.Getenv("POW_DIFFICULTY"), "000032"),
		ScheduledRefresh:    parseOptionalBool(os.Getenv("SCHEDULED_REFRESH"), false),
		RefreshInterval:     firstNonEmpty(os.Getenv("REFRESH_INTERVAL"), "48h"),
		LogFile:             os.Getenv("LOG_FILE"),
		LedgerPath:          firstNonEmpty(os.Getenv("LEDGER_PATH"), ""),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		ModelCatalogFile:    os.Getenv("MODEL_CATALOG_FILE"),
	}

	if len(cfg.UpstreamHosts) == 0 {
		cfg.UpstreamHosts = []string{"https://chatgpt.com"}
	}
	if len(cfg.ImpersonateProfiles) == 0 {
		cfg.ImpersonateProfiles = defaultImpersonateProfiles
	}
	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "y", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
