package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/pipeline"
	"github.com/samcharles93/offload/pkg/tensor"
)

func newTestEcho(s *Server) *echo.Echo {
	e := echo.New()
	s.Register(e)
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestEcho(New(nil, pipeline.DefaultSimulate())), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	e := newTestEcho(New(nil, pipeline.DefaultSimulate()))
	rec := do(t, e, http.MethodGet, "/v1/classify?kind=Linear&kind=RMSNorm&kind=Dropout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("classify: got %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data []Classification `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []Classification{
		{Kind: "Linear", Class: "linear", Eligible: true},
		{Kind: "RMSNorm", Class: "unmanaged"},
		{Kind: "Dropout", Class: "unclassified"},
	}
	if len(body.Data) != len(want) {
		t.Fatalf("expected %d results, got %v", len(want), body.Data)
	}
	for i := range want {
		if body.Data[i] != want[i] {
			t.Fatalf("result %d: want %+v, got %+v", i, want[i], body.Data[i])
		}
	}

	if rec := do(t, e, http.MethodGet, "/v1/classify", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing kind: expected 400, got %d", rec.Code)
	}
}

func TestSimulate(t *testing.T) {
	t.Parallel()

	e := newTestEcho(New(logger.Discard(), pipeline.DefaultSimulate()))
	rec := do(t, e, http.MethodPost, "/v1/simulate", `{"offload_fraction":1,"steps":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate: got %d body=%s", rec.Code, rec.Body.String())
	}
	var rep pipeline.SimulateReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Steps != 2 || rep.Fetches == 0 || rep.Manager == "" {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestSimulateErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"unknown field", `{"nope":true}`, http.StatusBadRequest},
		{"fraction", `{"offload_fraction":2}`, http.StatusBadRequest},
		{"device", `{"device":"tpu"}`, http.StatusBadRequest},
		{"exclude", `{"exclude":["body.missing"]}`, http.StatusBadRequest},
		{"oom", `{"device_memory_bytes":64}`, http.StatusInsufficientStorage},
	}
	e := newTestEcho(New(nil, pipeline.DefaultSimulate()))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, e, http.MethodPost, "/v1/simulate", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSimulateInternalError(t *testing.T) {
	t.Parallel()

	s := New(nil, pipeline.DefaultSimulate())
	s.simulate = func(context.Context, pipeline.SimulateConfig, logger.Logger) (pipeline.SimulateReport, error) {
		return pipeline.SimulateReport{}, fmt.Errorf("wrapped: %w", tensor.ErrReleased)
	}
	rec := do(t, newTestEcho(s), http.MethodPost, "/v1/simulate", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestEcho(New(nil, pipeline.DefaultSimulate())), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "offload_unload_components_total") {
		t.Fatal("expected offload collectors in the scrape")
	}
}
