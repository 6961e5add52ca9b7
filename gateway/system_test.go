package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/siamtech/querygate/internal/profile"
	"github.com/siamtech/querygate/metrics"
	"github.com/siamtech/querygate/tenant"
	"github.com/siamtech/querygate/testutil"
)

const bedrockModel = "apac.anthropic.claude-3-7-sonnet-20250219-v1:0"

func TestModels_List(t *testing.T) {
	s, _ := newTestServer(t, testutil.TenantsYAML, nil)

	rec := getPath(s, "/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var list ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" {
		t.Errorf("object = %q, want list", list.Object)
	}

	byID := map[string]ModelInfo{}
	for _, m := range list.Data {
		byID[m.ID] = m
	}
	if len(byID) != 3 {
		t.Fatalf("models = %d, want tenant-prefixed pair plus the bare default", len(byID))
	}

	a, ok := byID["company-a-"+bedrockModel]
	if !ok {
		t.Fatal("company-a model missing")
	}
	if a.OwnedBy != "company-a" || a.Name != "SiamTech Main Office" {
		t.Errorf("company-a entry = %+v", a)
	}
	if _, ok := byID["company-b-"+bedrockModel]; !ok {
		t.Error("company-b model missing")
	}
	bare, ok := byID[bedrockModel]
	if !ok {
		t.Fatal("default tenant's bare model missing")
	}
	if bare.OwnedBy != "company-a" {
		t.Errorf("bare model owned by %q, want the default tenant", bare.OwnedBy)
	}
}

func TestModels_ListSkipsDisabledTenant(t *testing.T) {
	doc := strings.Replace(testutil.TenantsYAML,
		"  company-b:\n    name:", "  company-b:\n    disabled: true\n    name:", 1)
	s, _ := newTestServer(t, doc, nil)

	rec := getPath(s, "/v1/models", nil)
	var list ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, m := range list.Data {
		if strings.HasPrefix(m.ID, "company-b-") {
			t.Errorf("disabled tenant still listed: %s", m.ID)
		}
	}
}

func TestModels_Get(t *testing.T) {
	s, _ := newTestServer(t, testutil.TenantsYAML, nil)

	rec := getPath(s, "/v1/models/company-b-"+bedrockModel, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var m ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.OwnedBy != "company-b" || m.Object != "model" {
		t.Errorf("model = %+v", m)
	}

	rec = getPath(s, "/v1/models/ghost-model", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	e := decodeError(t, rec)
	if e.Code != "model_not_found" {
		t.Errorf("code = %q, want model_not_found", e.Code)
	}
	if e.Type != "invalid_request_error" {
		t.Errorf("type = %q", e.Type)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, testutil.TenantsYAML, nil)

	rec := getPath(s, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Generation != 1 {
		t.Errorf("generation = %d, want 1 before any reload", resp.Generation)
	}
	if resp.Mode != "dev" {
		t.Errorf("mode = %q", resp.Mode)
	}
	if len(resp.Tenants) != 2 {
		t.Fatalf("tenants = %d, want 2", len(resp.Tenants))
	}
	for _, ht := range resp.Tenants {
		if ht.PoolOpen {
			t.Errorf("tenant %s reports an open pool before any query", ht.ID)
		}
	}
}

func TestTenants_AdminDisabledWithoutToken(t *testing.T) {
	s, _ := newTestServer(t, testutil.TenantsYAML, nil)

	rec := getPath(s, "/tenants", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no admin token is configured", rec.Code)
	}
}

func TestTenants_AdminAuth(t *testing.T) {
	p := &profile.Profile{Mode: "dev", Port: 8080, AdminToken: "qg-admin-secret"}
	s := NewServer(p, testutil.NewRegistry(t, testutil.TenantsYAML), &stubDispatcher{}, nil)

	if rec := getPath(s, "/tenants", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a bearer token", rec.Code)
	}
	wrong := map[string]string{"Authorization": "Bearer nope"}
	if rec := getPath(s, "/tenants", wrong); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a wrong token", rec.Code)
	}

	right := map[string]string{"Authorization": "Bearer qg-admin-secret"}
	rec := getPath(s, "/tenants", right)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var summaries []tenant.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}
	if strings.Contains(rec.Body.String(), "qg-key-company-a") {
		t.Error("admin view leaked an API key")
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Error("admin view leaked database credentials")
	}
}

func TestMetricsRoute(t *testing.T) {
	p := &profile.Profile{Mode: "dev", Port: 8080}
	exp := metrics.NewExporter(metrics.DefaultConfig())
	s := NewServer(p, testutil.NewRegistry(t, testutil.TenantsYAML), &stubDispatcher{}, exp)

	if rec := postChat(s, askBody, nil); rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}

	rec := getPath(s, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "querygate_chat_requests_total") {
		t.Error("chat counter missing from the exposition")
	}
	if !strings.Contains(body, "querygate_chat_active") {
		t.Error("active gauge missing from the exposition")
	}
}
