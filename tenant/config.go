package tenant

import (
	"time"
)

// Agent type identifiers shared across the gateway.
const (
	AgentAuto          = "auto"
	AgentPostgres      = "postgres"
	AgentKnowledgeBase = "knowledge_base"
	AgentFallback      = "fallback"
)

// DatabaseConfig holds the PostgreSQL connection settings for one tenant.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	PoolSize int    `yaml:"pool_size"`
}

// KnowledgeBaseConfig binds a tenant to its slice of the managed retrieval index.
type KnowledgeBaseConfig struct {
	ID         string `yaml:"id"`
	Prefix     string `yaml:"prefix"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	SearchType string `yaml:"search_type"` // SEMANTIC or HYBRID
	MaxResults int    `yaml:"max_results"`
	Endpoint   string `yaml:"endpoint"` // retrieval service URL; empty disables the agent
}

// TenantSettings carries per-tenant generation and agent policy.
// Boolean knobs are pointers so that an absent key keeps its default.
type TenantSettings struct {
	MaxTokens                int     `yaml:"max_tokens"`
	Temperature              float32 `yaml:"temperature"`
	AllowHybridSearch        bool    `yaml:"allow_hybrid_search"`
	EnablePostgresAgent      *bool   `yaml:"enable_postgres_agent"`
	EnableKnowledgeBaseAgent *bool   `yaml:"enable_knowledge_base_agent"`
	EnableFallbackAgent      *bool   `yaml:"enable_fallback_agent"`
	DefaultAgentType         string  `yaml:"default_agent_type"`
	ResponseLanguage         string  `yaml:"response_language"` // th or en
	MaxRows                  int     `yaml:"max_rows"`
}

// PostgresEnabled reports whether the SQL agent is allowed for this tenant.
func (s *TenantSettings) PostgresEnabled() bool {
	return s.EnablePostgresAgent == nil || *s.EnablePostgresAgent
}

// KnowledgeBaseEnabled reports whether the retrieval agent is allowed.
func (s *TenantSettings) KnowledgeBaseEnabled() bool {
	return s.EnableKnowledgeBaseAgent == nil || *s.EnableKnowledgeBaseAgent
}

// FallbackEnabled reports whether the generative fallback is allowed.
func (s *TenantSettings) FallbackEnabled() bool {
	return s.EnableFallbackAgent == nil || *s.EnableFallbackAgent
}

// TenantConfig is the immutable configuration of one tenant.
// The ID is the key of the tenants map in the document.
type TenantConfig struct {
	ID            string              `yaml:"-"`
	Name          string              `yaml:"name"`
	Description   string              `yaml:"description"`
	Model         string              `yaml:"model"` // logical model id; defaults to the global bedrock model
	Disabled      bool                `yaml:"disabled"`
	Database      DatabaseConfig      `yaml:"database"`
	KnowledgeBase KnowledgeBaseConfig `yaml:"knowledge_base"`
	APIKeys       map[string]string   `yaml:"api_keys"`
	Settings      TenantSettings      `yaml:"settings"`
	Webhooks      map[string]string   `yaml:"webhooks"`
	ContactInfo   map[string]string   `yaml:"contact_info"`
}

// SecuritySettings governs how requests must identify their tenant.
type SecuritySettings struct {
	RequireTenantHeader    bool   `yaml:"require_tenant_header"`
	DefaultTenantOnMissing *bool  `yaml:"default_tenant_on_missing"`
	TenantHeaderName       string `yaml:"tenant_header_name"`
}

// DefaultOnMissing reports whether anonymous requests may use the default tenant.
func (s *SecuritySettings) DefaultOnMissing() bool {
	return s.DefaultTenantOnMissing == nil || *s.DefaultTenantOnMissing
}

// LoggingSettings controls the log level and query logging.
type LoggingSettings struct {
	Level      string `yaml:"level"`
	LogQueries bool   `yaml:"log_queries"`
}

// AWSSettings names the region and default Bedrock model for tenants
// that do not set their own model id.
type AWSSettings struct {
	Region       string `yaml:"region"`
	BedrockModel string `yaml:"bedrock_model"`
}

// GlobalSettings is the gateway-wide policy block of the tenants document.
type GlobalSettings struct {
	FallbackAgent  string           `yaml:"fallback_agent"`
	RetryCount     int              `yaml:"retry_count"`
	TimeoutSeconds int              `yaml:"timeout_seconds"`
	Security       SecuritySettings `yaml:"security"`
	Logging        LoggingSettings  `yaml:"logging"`
	AWS            AWSSettings      `yaml:"aws"`
}

// Timeout returns the global per-request deadline.
func (g *GlobalSettings) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// FeatureFlags toggles optional gateway behaviors.
type FeatureFlags struct {
	EnableHybridSearch        bool  `yaml:"enable_hybrid_search"`
	EnableStreamingResponses  *bool `yaml:"enable_streaming_responses"`
	EnableConversationHistory *bool `yaml:"enable_conversation_history"`
}

// StreamingEnabled reports whether SSE streaming is served.
func (f *FeatureFlags) StreamingEnabled() bool {
	return f.EnableStreamingResponses == nil || *f.EnableStreamingResponses
}

// ConversationHistoryEnabled reports whether prior turns are fed to agents.
func (f *FeatureFlags) ConversationHistoryEnabled() bool {
	return f.EnableConversationHistory == nil || *f.EnableConversationHistory
}

// Document is the parsed tenants configuration file.
type Document struct {
	DefaultTenant  string                   `yaml:"default_tenant"`
	Tenants        map[string]*TenantConfig `yaml:"tenants"`
	GlobalSettings GlobalSettings           `yaml:"global_settings"`
	FeatureFlags   FeatureFlags             `yaml:"feature_flags"`
}

// Summary is the secret-free view of a tenant served by the admin endpoints.
type Summary struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Model            string            `json:"model"`
	Disabled         bool              `json:"disabled,omitempty"`
	ResponseLanguage string            `json:"response_language"`
	PostgresAgent    bool              `json:"postgres_agent"`
	KnowledgeBase    bool              `json:"knowledge_base_agent"`
	FallbackAgent    bool              `json:"fallback_agent"`
	KnowledgeBaseID  string            `json:"knowledge_base_id,omitempty"`
	ContactInfo      map[string]string `json:"contact_info,omitempty"`
}

// Summarize builds the admin view of one tenant. Credentials never leave here.
func (c *TenantConfig) Summarize() Summary {
	return Summary{
		ID:               c.ID,
		Name:             c.Name,
		Description:      c.Description,
		Model:            c.Model,
		Disabled:         c.Disabled,
		ResponseLanguage: c.Settings.ResponseLanguage,
		PostgresAgent:    c.Settings.PostgresEnabled(),
		KnowledgeBase:    c.Settings.KnowledgeBaseEnabled(),
		FallbackAgent:    c.Settings.FallbackEnabled(),
		KnowledgeBaseID:  c.KnowledgeBase.ID,
		ContactInfo:      c.ContactInfo,
	}
}
