package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Model provider configuration (OpenAI-compatible protocol)
	ModelProvider string // Provider identifier: openai, deepseek, openrouter, ollama
	ModelAPIKey   string // Server-side fallback API key
	ModelBaseURL  string // Base URL (optional, has default per provider)
	ModelTimeout  int    // Provider request timeout in seconds (default: 120)

	// Generation behavior
	CLIModeEnabled   bool // Enable the CLI-simulation system prompt prefix
	CLIModeThreshold int  // Message count below which the CLI prefix applies
	AIRatePerMinute  int  // Per-user AI request budget per minute
	AIRateBurst      int  // Per-user AI request burst
	RequireAgeCheck  bool // Require age verification before chat ops

	// Server configuration
	Mode        string // dev, prod, demo
	Addr        string
	Port        int
	Data        string
	Driver      string // sqlite, postgres
	DSN         string
	InstanceURL string
	Version     string
}

// Provider default base URLs, used when MODEL_BASE_URL is not set.
var providerDefaults = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"deepseek":   "https://api.deepseek.com",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.ModelProvider = getEnvOrDefault("BRANCHTALK_MODEL_PROVIDER", "openai")
	p.ModelAPIKey = getEnvOrDefault("BRANCHTALK_MODEL_API_KEY", "")
	p.ModelBaseURL = getEnvOrDefault("BRANCHTALK_MODEL_BASE_URL", "")
	p.ModelTimeout = getEnvOrDefaultInt("BRANCHTALK_MODEL_TIMEOUT_SECONDS", 120)

	if p.ModelBaseURL == "" {
		if base, ok := providerDefaults[p.ModelProvider]; ok {
			p.ModelBaseURL = base
		}
	}

	p.CLIModeEnabled = getEnvOrDefault("BRANCHTALK_CLI_MODE_ENABLED", "true") == "true"
	p.CLIModeThreshold = getEnvOrDefaultInt("BRANCHTALK_CLI_MODE_THRESHOLD", 10)
	p.AIRatePerMinute = getEnvOrDefaultInt("BRANCHTALK_AI_RATE_PER_MINUTE", 20)
	p.AIRateBurst = getEnvOrDefaultInt("BRANCHTALK_AI_RATE_BURST", 5)
	p.RequireAgeCheck = getEnvOrDefault("BRANCHTALK_REQUIRE_AGE_CHECK", "false") == "true"
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "branchtalk")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					return errors.Wrapf(err, "failed to create data directory %s", p.Data)
				}
			}
		} else {
			p.Data = "/var/opt/branchtalk"
		}
	}

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.Mode != "prod" && p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(p.Data, fmt.Sprintf("branchtalk_%s.db", p.Mode))
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn required for postgres driver")
	}

	if p.CLIModeThreshold <= 0 {
		p.CLIModeThreshold = 10
	}
	if p.ModelTimeout <= 0 {
		p.ModelTimeout = 120
	}
	return nil
}
