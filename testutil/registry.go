// Package testutil provides fixtures shared by the gateway test suites.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siamtech/querygate/tenant"
)

// TenantsYAML is a two-tenant document covering the common test needs:
// a Thai-language tenant with every agent enabled and an English tenant
// without a knowledge base.
const TenantsYAML = `
default_tenant: company-a
tenants:
  company-a:
    name: "SiamTech Main Office"
    description: "สำนักงานใหญ่"
    model: "apac.anthropic.claude-3-7-sonnet-20250219-v1:0"
    database:
      host: localhost
      port: 5432
      database: siamtech_company_a
      user: postgres
      password: postgres
    knowledge_base:
      id: KB123456A
      prefix: company-a-docs/
      bucket: siamtech-kb
      region: ap-southeast-1
    settings:
      max_tokens: 1000
      temperature: 0.7
      response_language: th
    api_keys:
      openai: qg-key-company-a
  company-b:
    name: "SiamTech Branch"
    model: "apac.anthropic.claude-3-7-sonnet-20250219-v1:0"
    database:
      host: localhost
      port: 5432
      database: siamtech_company_b
      user: postgres
      password: postgres
    settings:
      enable_knowledge_base_agent: false
      response_language: en
global_settings:
  fallback_agent: fallback
  retry_count: 3
  timeout_seconds: 60
  security:
    require_tenant_header: false
    default_tenant_on_missing: true
    tenant_header_name: X-Tenant-ID
feature_flags:
  enable_streaming_responses: true
`

// WriteTenantsFile writes a tenants document under t.TempDir.
func WriteTenantsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write tenants file: %v", err)
	}
	return path
}

// NewRegistry loads a registry from the given document content and
// closes it when the test finishes.
func NewRegistry(t *testing.T, content string) *tenant.Registry {
	t.Helper()
	reg, err := tenant.NewRegistry(WriteTenantsFile(t, content))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg
}

// Runtime resolves one tenant from the registry or fails the test.
func Runtime(t *testing.T, reg *tenant.Registry, id string) *tenant.Runtime {
	t.Helper()
	rt, err := reg.Runtime(id)
	if err != nil {
		t.Fatalf("runtime %s: %v", id, err)
	}
	return rt
}
