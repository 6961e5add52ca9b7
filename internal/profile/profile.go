package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is configuration to start the gateway process.
// Tenant-scoped settings live in the tenants document, not here.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol)
	// All providers (openai, deepseek, siliconflow, dashscope, openrouter,
	// ollama, bedrock-gateway) use the same config
	LLMProvider string // Provider identifier
	LLMAPIKey   string // API key for the provider
	LLMBaseURL  string // Base URL (optional, has default per provider)
	LLMModel    string // Model name: gpt-4o, deepseek-chat, an ARN behind a bedrock gateway, etc.
	LLMTimeout  int    // LLM request timeout in seconds (default: 120)

	// Router model used for intent classification. Falls back to the main
	// LLM configuration when unset; a small cheap model is the usual choice.
	RouterProvider string
	RouterModel    string
	RouterAPIKey   string
	RouterBaseURL  string

	// Other configurations
	Mode           string // dev, prod
	Addr           string
	TenantsFile    string // Path to the tenants YAML document
	AdminToken     string // Bearer token for the admin endpoints; empty disables them
	Version        string
	Port           int
	RateLimitRPS   int  // Per-tenant chat request rate (default: 10)
	RateLimitBurst int  // Burst allowance on top of the rate (default: 20)
	StrictStart    bool // Fail startup when a tenant DB or the LLM is unreachable
}

// Provider default configurations for LLM.
// Used when QUERYGATE_LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-max-latest",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "llama3.1",
	},
	// OpenAI-compatible front for AWS Bedrock (bedrock-access-gateway).
	"bedrock-gateway": {
		BaseURL: "http://localhost:8000/api/v1",
		Model:   "apac.anthropic.claude-3-7-sonnet-20250219-v1:0",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMConfigured returns true if an LLM API key is configured.
// Ollama is the exception: a local daemon needs no key.
func (p *Profile) IsLLMConfigured() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultBool returns environment variable value as bool or default value.
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// Unified LLM configuration
	p.LLMProvider = getEnvOrDefault("QUERYGATE_LLM_PROVIDER", "bedrock-gateway")
	p.LLMAPIKey = getEnvOrDefault("QUERYGATE_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("QUERYGATE_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("QUERYGATE_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("QUERYGATE_LLM_TIMEOUT_SECONDS", 120)

	// Validate and apply provider defaults if not explicitly set
	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("Unknown LLM provider, using default: bedrock-gateway", "provider", p.LLMProvider)
			p.LLMProvider = "bedrock-gateway"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	// Router model configuration; unset fields inherit the main LLM config
	p.RouterProvider = getEnvOrDefault("QUERYGATE_ROUTER_PROVIDER", "")
	p.RouterModel = getEnvOrDefault("QUERYGATE_ROUTER_MODEL", "")
	p.RouterAPIKey = getEnvOrDefault("QUERYGATE_ROUTER_API_KEY", "")
	p.RouterBaseURL = getEnvOrDefault("QUERYGATE_ROUTER_BASE_URL", "")

	p.AdminToken = getEnvOrDefault("QUERYGATE_ADMIN_TOKEN", "")
	p.RateLimitRPS = getEnvOrDefaultInt("QUERYGATE_RATE_LIMIT_RPS", 10)
	p.RateLimitBurst = getEnvOrDefaultInt("QUERYGATE_RATE_LIMIT_BURST", 20)
	p.StrictStart = getEnvOrDefaultBool("QUERYGATE_STRICT_START", p.StrictStart)
	if p.TenantsFile == "" {
		p.TenantsFile = getEnvOrDefault("QUERYGATE_TENANTS_FILE", "")
	}
}

// ProviderDefault returns the default base URL and model for a known provider.
func ProviderDefault(provider string) (baseURL, model string, ok bool) {
	d, ok := llmProviderDefaults[provider]
	if !ok {
		return "", "", false
	}
	return d.BaseURL, d.Model, true
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}

	if p.TenantsFile == "" {
		p.TenantsFile = "tenants.yaml"
	}
	tenantsFile, err := checkTenantsFile(p.TenantsFile)
	if err != nil {
		slog.Error("failed to check tenants file", slog.String("file", p.TenantsFile), slog.String("error", err.Error()))
		return err
	}
	p.TenantsFile = tenantsFile

	if p.LLMTimeout <= 0 {
		p.LLMTimeout = 120
	}

	return nil
}

func checkTenantsFile(path string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		path = absPath
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to access tenants file %s", path)
	}
	if info.IsDir() {
		return "", errors.Errorf("tenants file %s is a directory", path)
	}
	return path, nil
}

// ListenAddr returns the address:port string the HTTP server binds to.
func (p *Profile) ListenAddr() string {
	return fmt.Sprintf("%s:%d", p.Addr, p.Port)
}
