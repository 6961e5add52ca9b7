package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/internal/profile"
	"github.com/siamtech/querygate/testutil"
)

// stubDispatcher returns a scripted outcome and records the request it
// was handed.
type stubDispatcher struct {
	mu    sync.Mutex
	last  *agent.Request
	out   *agent.Outcome
	delay time.Duration
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req *agent.Request) *agent.Outcome {
	d.mu.Lock()
	d.last = req
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return agent.Fatal("postgres", agent.CodeTimeout, ctx.Err())
		}
	}
	if d.out != nil {
		return d.out
	}
	return agent.Succeed("fallback", "hello", agent.Meta{})
}

func (d *stubDispatcher) lastRequest() *agent.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func newTestServer(t *testing.T, doc string, out *agent.Outcome) (*Server, *stubDispatcher) {
	t.Helper()
	d := &stubDispatcher{out: out}
	p := &profile.Profile{Mode: "dev", Port: 8080}
	return NewServer(p, testutil.NewRegistry(t, doc), d, nil), d
}

func postChat(s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func getPath(s *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}
