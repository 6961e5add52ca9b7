package tenant

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${NAME} references with environment values.
// References to unset variables expand to "" and are reported so that
// validation can distinguish a blank credential from a missing one.
func expandEnv(data []byte) ([]byte, []string) {
	var missing []string
	expanded := envRefPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(envRefPattern.FindSubmatch(ref)[1])
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			missing = append(missing, name)
			return nil
		}
		return []byte(value)
	})
	return expanded, missing
}

// LoadDocument reads, expands and validates the tenants configuration file.
func LoadDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file %s: %w", path, err)
	}
	return ParseDocument(raw)
}

// ParseDocument parses a tenants document from raw YAML bytes.
func ParseDocument(raw []byte) (*Document, error) {
	expanded, missingEnv := expandEnv(raw)

	doc := &Document{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	doc.applyDefaults()
	if err := doc.validate(missingEnv); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) applyDefaults() {
	gs := &d.GlobalSettings
	if gs.FallbackAgent == "" {
		gs.FallbackAgent = AgentFallback
	}
	if gs.RetryCount <= 0 {
		gs.RetryCount = 3
	}
	if gs.TimeoutSeconds <= 0 {
		gs.TimeoutSeconds = 60
	}
	if gs.Security.TenantHeaderName == "" {
		gs.Security.TenantHeaderName = "X-Tenant-ID"
	}
	if gs.Logging.Level == "" {
		gs.Logging.Level = "info"
	}
	if gs.AWS.Region == "" {
		gs.AWS.Region = "ap-southeast-1"
	}

	for id, cfg := range d.Tenants {
		if cfg == nil {
			cfg = &TenantConfig{}
			d.Tenants[id] = cfg
		}
		cfg.ID = id
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("Tenant %s", id)
		}
		if cfg.Model == "" {
			cfg.Model = gs.AWS.BedrockModel
		}
		if cfg.Database.Port == 0 {
			cfg.Database.Port = 5432
		}
		if cfg.Database.SSLMode == "" {
			cfg.Database.SSLMode = "disable"
		}
		if cfg.Database.PoolSize <= 0 {
			cfg.Database.PoolSize = 10
		}
		if cfg.KnowledgeBase.SearchType == "" {
			cfg.KnowledgeBase.SearchType = "SEMANTIC"
		}
		if cfg.KnowledgeBase.MaxResults <= 0 {
			cfg.KnowledgeBase.MaxResults = 10
		}
		if cfg.Settings.MaxTokens <= 0 {
			cfg.Settings.MaxTokens = 1000
		}
		if cfg.Settings.Temperature <= 0 {
			cfg.Settings.Temperature = 0.7
		}
		if cfg.Settings.DefaultAgentType == "" {
			cfg.Settings.DefaultAgentType = AgentAuto
		}
		if cfg.Settings.ResponseLanguage == "" {
			cfg.Settings.ResponseLanguage = "th"
		}
		if cfg.Settings.MaxRows <= 0 {
			cfg.Settings.MaxRows = 500
		}
	}
}

func (d *Document) validate(missingEnv []string) error {
	if len(d.Tenants) == 0 {
		return configErrorf("tenants", "no tenants defined")
	}

	// YAML rejects duplicate keys outright; ids that collide after
	// normalization still slip through, so check the folded form.
	seen := make(map[string]string, len(d.Tenants))
	for id := range d.Tenants {
		folded := strings.ToLower(strings.TrimSpace(id))
		if folded == "" {
			return configErrorf("tenants", "blank tenant id")
		}
		if prev, ok := seen[folded]; ok {
			return fmt.Errorf("%w: %q and %q", ErrTenantDuplicate, prev, id)
		}
		seen[folded] = id
	}

	if d.DefaultTenant != "" {
		if _, ok := d.Tenants[d.DefaultTenant]; !ok {
			return configErrorf("default_tenant", "unknown tenant %q", d.DefaultTenant)
		}
	}

	for _, id := range d.TenantIDs() {
		cfg := d.Tenants[id]
		prefix := fmt.Sprintf("tenants.%s", id)

		if cfg.Settings.PostgresEnabled() {
			db := cfg.Database
			switch {
			case db.Host == "":
				return configErrorf(prefix+".database.host", "required")
			case db.Database == "":
				return configErrorf(prefix+".database.database", "required")
			case db.User == "":
				return configErrorf(prefix+".database.user", "required")
			}
			if db.Password == "" {
				if len(missingEnv) > 0 {
					return fmt.Errorf("%w: %s.database.password (unset: %s)",
						ErrCredentialMissing, prefix, strings.Join(missingEnv, ", "))
				}
				return fmt.Errorf("%w: %s.database.password", ErrCredentialMissing, prefix)
			}
			if db.Port < 1 || db.Port > 65535 {
				return configErrorf(prefix+".database.port", "out of range: %d", db.Port)
			}
		}

		if cfg.Settings.KnowledgeBaseEnabled() && cfg.KnowledgeBase.Endpoint != "" && cfg.KnowledgeBase.ID == "" {
			return configErrorf(prefix+".knowledge_base.id", "required when an endpoint is set")
		}

		switch cfg.Settings.ResponseLanguage {
		case "th", "en":
		default:
			return configErrorf(prefix+".settings.response_language", "must be th or en, got %q", cfg.Settings.ResponseLanguage)
		}

		switch cfg.Settings.DefaultAgentType {
		case AgentAuto, AgentPostgres, AgentKnowledgeBase, AgentFallback:
		default:
			return configErrorf(prefix+".settings.default_agent_type", "unknown agent type %q", cfg.Settings.DefaultAgentType)
		}

		switch cfg.KnowledgeBase.SearchType {
		case "SEMANTIC", "HYBRID":
		default:
			return configErrorf(prefix+".knowledge_base.search_type", "must be SEMANTIC or HYBRID, got %q", cfg.KnowledgeBase.SearchType)
		}
	}

	return nil
}

// TenantIDs returns all tenant ids in stable sorted order.
func (d *Document) TenantIDs() []string {
	ids := make([]string, 0, len(d.Tenants))
	for id := range d.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
