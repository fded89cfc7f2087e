package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/engine"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/handler"
	"github.com/flapi-io/flapi/pkg/logger"
	"github.com/flapi-io/flapi/pkg/telemetry"
)

type fixture struct {
	srv    *Server
	router http.Handler
	eng    *engine.Engine
}

func newFixture(t *testing.T, endpoints ...*config.Endpoint) *fixture {
	t.Helper()

	project := &config.Project{
		Name:     "flapi-test",
		Template: config.TemplateSettings{Path: t.TempDir()},
		Connections: map[string]config.Connection{
			"main": {Properties: map[string]string{"password": "hunter2", "region": "eu"}},
		},
	}
	loader, err := config.NewLoader(project)
	require.NoError(t, err)
	reg, err := config.NewRegistry(project, loader, endpoints)
	require.NoError(t, err)

	eng, err := engine.Open(
		config.EngineSettings{DBPath: "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"},
		project.Connections,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	pipeline := handler.New(context.Background(), reg, eng, nil, nil)
	srv := New(reg, eng, nil, pipeline, nil, telemetry.New(), "test")
	return &fixture{srv: srv, router: srv.Router(), eng: eng}
}

func customersEndpoint() *config.Endpoint {
	return &config.Endpoint{
		URLPath:    "/customers",
		Method:     "GET",
		Connection: []string{"main"},
		Template: `SELECT * FROM customers WHERE 1=1
{{#params.id}}AND c_custkey = {{params.id}}{{/params.id}}
ORDER BY c_custkey`,
		Request: []config.Parameter{
			{FieldName: "id", FieldIn: config.InQuery, Validators: []config.Validator{{Type: "int"}}},
		},
	}
}

func (f *fixture) seedCustomers(t *testing.T) {
	t.Helper()
	require.NoError(t, f.eng.ExecDDL(context.Background(),
		`CREATE TABLE customers (c_custkey INTEGER, c_name TEXT)`,
		`INSERT INTO customers VALUES (1, 'Customer#000000001'), (2, 'Customer#000000002')`,
	))
}

func (f *fixture) do(t *testing.T, method, target, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
	}
	return w
}

func TestHealthcheck(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProjectIsRedacted(t *testing.T) {
	f := newFixture(t)

	var project map[string]any
	w := f.do(t, "GET", "/api/v1/_config/project", "", &project)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "flapi-test", project["project_name"])

	body := w.Body.String()
	assert.NotContains(t, body, "hunter2")
	assert.Contains(t, body, "[redacted]")
	assert.Contains(t, body, "eu")
}

func TestListEndpointsKeyedByPath(t *testing.T) {
	f := newFixture(t, customersEndpoint())

	var endpoints map[string]map[string]any
	w := f.do(t, "GET", "/api/v1/_config/endpoints", "", &endpoints)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, endpoints, "/customers")
	assert.Equal(t, "GET", endpoints["/customers"]["method"])
}

func TestEndpointCRUDBySlug(t *testing.T) {
	f := newFixture(t, customersEndpoint())
	f.seedCustomers(t)
	require.NoError(t, f.eng.ExecDDL(context.Background(),
		`CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT)`,
		`INSERT INTO products VALUES (1, 'Widget')`,
	))

	descriptor := `
url-path: /products
method: GET
connection: [main]
template: SELECT * FROM products
`
	w := f.do(t, "POST", "/api/v1/_config/endpoints/products", descriptor, nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	// The new endpoint is immediately routable.
	var read struct {
		Data []map[string]any `json:"data"`
	}
	w = f.do(t, "GET", "/products", "", &read)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, read.Data, 1)

	// Slug and descriptor path must agree.
	mismatched := "url-path: /other\ntemplate: SELECT 1\nconnection: [main]\n"
	w = f.do(t, "PUT", "/api/v1/_config/endpoints/products", mismatched, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "DELETE", "/api/v1/_config/endpoints/products", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var resp errors.Response
	w = f.do(t, "GET", "/api/v1/_config/endpoints/products", "", &resp)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.CategoryNotFound, resp.Category)
}

func TestValidateEndpointDescriptor(t *testing.T) {
	f := newFixture(t)

	var report struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	valid := "url-path: /things\nmethod: GET\nconnection: [main]\ntemplate: SELECT 1\n"
	w := f.do(t, "POST", "/api/v1/_config/endpoints/things/validate", valid, &report)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, report.Valid)

	invalid := "method: GET\n"
	w = f.do(t, "POST", "/api/v1/_config/endpoints/things/validate", invalid, &report)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestEndpointParameters(t *testing.T) {
	f := newFixture(t, customersEndpoint())

	var params []map[string]any
	w := f.do(t, "GET", "/api/v1/_config/endpoints/customers/parameters", "", &params)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, params, 1)
	assert.Equal(t, "id", params[0]["field-name"])
}

func TestTestEndpointRunsPipeline(t *testing.T) {
	f := newFixture(t, customersEndpoint())
	f.seedCustomers(t)

	var resp struct {
		Success bool `json:"success"`
		Result  struct {
			Data []map[string]any `json:"data"`
		} `json:"result"`
	}
	w := f.do(t, "POST", "/api/v1/_config/endpoints/customers/test", `{"params":{"id":1}}`, &resp)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.True(t, resp.Success)
	require.Len(t, resp.Result.Data, 1)
}

func TestLogLevelRoundTrip(t *testing.T) {
	f := newFixture(t)
	t.Cleanup(func() { _ = logger.SetLevel("info") })

	var level map[string]string
	w := f.do(t, "PUT", "/api/v1/_config/log-level", `{"level":"debug"}`, &level)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", level["level"])

	w = f.do(t, "GET", "/api/v1/_config/log-level", "", &level)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", level["level"])

	w = f.do(t, "PUT", "/api/v1/_config/log-level", `{"level":"shouting"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchemaIntrospection(t *testing.T) {
	f := newFixture(t)
	f.seedCustomers(t)

	var tables struct {
		Tables []string `json:"tables"`
	}
	w := f.do(t, "GET", "/api/v1/_config/schema", "", &tables)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, tables.Tables, "customers")

	var described struct {
		Table   string `json:"table"`
		Columns []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"columns"`
	}
	w = f.do(t, "GET", "/api/v1/_config/schema?table=customers", "", &described)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "customers", described.Table)
	require.Len(t, described.Columns, 2)
}

func TestOpenAPIDocumentRoute(t *testing.T) {
	f := newFixture(t, customersEndpoint())

	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	w := f.do(t, "GET", "/api/openapi.json", "", &doc)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Paths, "/customers")
}

func TestUnknownRouteFallsThroughToPipeline(t *testing.T) {
	f := newFixture(t, customersEndpoint())
	f.seedCustomers(t)

	// A declarative endpoint is reachable through the router.
	var read struct {
		Data []map[string]any `json:"data"`
	}
	w := f.do(t, "GET", "/customers?id=2", "", &read)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, read.Data, 1)

	// Anything else gets the pipeline's JSON 404.
	var resp errors.Response
	w = f.do(t, "GET", "/nowhere", "", &resp)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.CategoryNotFound, resp.Category)
}

func TestCacheStatusWithoutCatalog(t *testing.T) {
	f := newFixture(t)

	var status struct {
		Endpoints []any `json:"endpoints"`
	}
	w := f.do(t, "GET", "/api/v1/_cache/status", "", &status)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, status.Endpoints)

	var resp errors.Response
	w = f.do(t, "POST", "/api/v1/_cache/refresh/customers", "", &resp)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, errors.CategoryConfiguration, resp.Category)
}

func TestAPIReferencePage(t *testing.T) {
	f := newFixture(t, customersEndpoint())

	w := f.do(t, "GET", "/api/doc", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "api-reference")
	assert.Contains(t, w.Body.String(), "/customers")
}

func TestReloadEndpointFromDescriptorFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "customers.yaml")
	ep := customersEndpoint()
	ep.SourceFile = src
	f := newFixture(t, ep)
	f.seedCustomers(t)

	updated := "url-path: /customers\nmethod: GET\nconnection: [main]\ntemplate: SELECT c_name FROM customers\n"
	require.NoError(t, os.WriteFile(src, []byte(updated), 0o600))

	w := f.do(t, "POST", "/api/v1/_config/endpoints/customers/reload", "", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Contains(t, f.srv.registry.Snapshot().BySlug("customers").Template, "c_name")
}

func TestReloadWithoutDescriptorFileFails(t *testing.T) {
	f := newFixture(t, customersEndpoint())

	var resp errors.Response
	w := f.do(t, "POST", "/api/v1/_config/endpoints/customers/reload", "", &resp)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, errors.CategoryConfiguration, resp.Category)
}

func TestCacheSnapshotsAndPurgeRoutes(t *testing.T) {
	tmplDir := t.TempDir()
	project := &config.Project{
		Name:        "flapi-test",
		Template:    config.TemplateSettings{Path: tmplDir},
		Connections: map[string]config.Connection{"main": {}},
	}
	loader, err := config.NewLoader(project)
	require.NoError(t, err)
	ep := &config.Endpoint{
		URLPath:    "/reports",
		Method:     "GET",
		Connection: []string{"main"},
		Template:   "SELECT * FROM {{{cache.table}}}",
		Cache: &config.CacheSpec{
			Enabled:      true,
			Schema:       "analytics",
			Table:        "reports",
			TemplateFile: "cache_reports.sql",
		},
	}
	reg, err := config.NewRegistry(project, loader, []*config.Endpoint{ep})
	require.NoError(t, err)

	eng, err := engine.Open(
		config.EngineSettings{DBPath: "file:cache_routes?mode=memory&cache=shared"},
		project.Connections,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	ctx := context.Background()
	require.NoError(t, eng.ExecDDL(ctx,
		`CREATE TABLE src (id INTEGER)`,
		`INSERT INTO src VALUES (1), (2)`,
	))
	require.NoError(t, os.WriteFile(
		filepath.Join(tmplDir, "cache_reports.sql"), []byte("SELECT id FROM src"), 0o600))

	caches, err := cache.NewManager(ctx, eng, loader, config.CatalogSettings{}, nil)
	require.NoError(t, err)
	pipeline := handler.New(ctx, reg, eng, caches, nil)
	srv := New(reg, eng, caches, pipeline, nil, telemetry.New(), "test")
	f := &fixture{srv: srv, router: srv.Router(), eng: eng}

	w := f.do(t, "POST", "/api/v1/_cache/refresh/reports", "", nil)
	require.Equal(t, 200, w.Code, "body: %s", w.Body.String())
	w = f.do(t, "POST", "/api/v1/_cache/refresh/reports", "", nil)
	require.Equal(t, 200, w.Code)

	var listed struct {
		Endpoint  string           `json:"endpoint"`
		Snapshots []map[string]any `json:"snapshots"`
	}
	w = f.do(t, "GET", "/api/v1/_cache/snapshots/reports", "", &listed)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "/reports", listed.Endpoint)
	require.Len(t, listed.Snapshots, 2)

	var purged struct {
		Dropped int `json:"dropped"`
	}
	w = f.do(t, "DELETE", "/api/v1/_cache/reports", "", &purged)
	require.Equal(t, 200, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, 2, purged.Dropped)

	w = f.do(t, "GET", "/api/v1/_cache/snapshots/reports", "", &listed)
	require.Equal(t, 200, w.Code)
	assert.Empty(t, listed.Snapshots)
}

func TestExpandEndpointPreviewsSQL(t *testing.T) {
	f := newFixture(t, customersEndpoint())

	var resp struct {
		Endpoint string `json:"endpoint"`
		SQL      string `json:"sql"`
	}
	w := f.do(t, "POST", "/api/v1/_config/endpoints/customers/expand", `{"params":{"id":"7"}}`, &resp)
	require.Equal(t, 200, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "/customers", resp.Endpoint)
	assert.Contains(t, resp.SQL, "c_custkey = 7")
	assert.NotContains(t, resp.SQL, "{{")

	// Validation failures surface without touching the database.
	w = f.do(t, "POST", "/api/v1/_config/endpoints/customers/expand", `{"params":{"id":"abc"}}`, nil)
	assert.Equal(t, 400, w.Code)
}

func TestCORSPreflightWhenEnabled(t *testing.T) {
	project := &config.Project{
		Name:        "flapi-test",
		Template:    config.TemplateSettings{Path: t.TempDir()},
		Connections: map[string]config.Connection{"main": {}},
		CORS: config.CORSSettings{
			Enabled:        true,
			AllowedOrigins: []string{"https://ui.example.com"},
		},
	}
	loader, err := config.NewLoader(project)
	require.NoError(t, err)
	reg, err := config.NewRegistry(project, loader, []*config.Endpoint{customersEndpoint()})
	require.NoError(t, err)

	eng, err := engine.Open(
		config.EngineSettings{DBPath: "file:" + t.Name() + "?mode=memory&cache=shared"},
		project.Connections,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	pipeline := handler.New(context.Background(), reg, eng, nil, nil)
	router := New(reg, eng, nil, pipeline, nil, telemetry.New(), "test").Router()

	r := httptest.NewRequest("OPTIONS", "/customers", nil)
	r.Header.Set("Origin", "https://ui.example.com")
	r.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, "https://ui.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	// Origins outside the allowlist get no CORS grant.
	r = httptest.NewRequest("OPTIONS", "/customers", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	r.Header.Set("Access-Control-Request-Method", "GET")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSDisabledAddsNoHeaders(t *testing.T) {
	f := newFixture(t, customersEndpoint())
	f.seedCustomers(t)

	r := httptest.NewRequest("GET", "/customers", nil)
	r.Header.Set("Origin", "https://ui.example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
