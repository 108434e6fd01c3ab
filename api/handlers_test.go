package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/officehub/workflow-engine/api"
	"github.com/officehub/workflow-engine/entitlement"
	"github.com/officehub/workflow-engine/ledger"
	"github.com/officehub/workflow-engine/store/sqlite"
	"github.com/officehub/workflow-engine/workflow"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	led := ledger.New(store.Ledger())
	engine := workflow.NewEngine(store.Workflow(), led, workflow.NopNotifier{})
	runner := &entitlement.Runner{Ledger: led, Directory: store, Runs: store}

	handler := api.NewHandler(store, engine, led, []entitlement.Job{
		&entitlement.MonthlyGrantJob{Runner: runner},
		&entitlement.FiscalAnnualGrantJob{Runner: runner},
		&entitlement.AttendanceAwardJob{Runner: runner},
	})

	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

// doJSON issues a request and decodes the response body into out (if non-nil).
func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createSubject(t *testing.T, base, id string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api/subjects", map[string]any{
		"id":        id,
		"name":      "Test Subject",
		"hire_date": "2024-01-15",
		"active":    true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// createGrant seeds a manual grant that is valid today regardless of when
// the test runs.
func createGrant(t *testing.T, base, subject, amount string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/api/admin/grants", map[string]any{
		"subject_id":      subject,
		"amount":          amount,
		"granted_date":    "2020-01-01",
		"expiration_date": "2099-12-31",
		"reason":          "initial balance",
		"actor":           "hr-admin",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func submitDocument(t *testing.T, base, subject, amount string, approvers ...string) (string, int) {
	t.Helper()
	route := make([]map[string]any, len(approvers))
	for i, a := range approvers {
		route[i] = map[string]any{"approvers": []string{a}}
	}
	var doc map[string]any
	resp := doJSON(t, http.MethodPost, base+"/api/documents", map[string]any{
		"subject_id":     subject,
		"type":           "leave",
		"amount":         amount,
		"effective_date": "2099-06-01",
		"reason":         "summer holiday",
		"route":          route,
	}, &doc)
	id, _ := doc["id"].(string)
	return id, resp.StatusCode
}

// =============================================================================
// DOCUMENT FLOW
// =============================================================================

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_SubmitApproveFlow(t *testing.T) {
	// GIVEN: a subject with a 10 day balance
	// WHEN: a 3 day document is submitted and approved
	// THEN: the document is approved and the balance drops to 7

	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")

	id, status := submitDocument(t, srv.URL, "emp-1", "3", "mgr-1")
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, id)

	var approve map[string]any
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/documents/"+id+"/approve",
		map[string]any{"actor": "mgr-1"}, &approve)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", approve["status"])
	assert.Equal(t, true, approve["is_final"])
	assert.Nil(t, approve["current_step"])

	var doc map[string]any
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/documents/"+id, nil, &doc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", doc["status"])
	assert.NotEmpty(t, doc["approved_at"])

	var balance map[string]any
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/subjects/emp-1/balance", nil, &balance)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7", balance["remaining"])

	var usages []map[string]any
	doJSON(t, http.MethodGet, srv.URL+"/api/subjects/emp-1/usages", nil, &usages)
	require.Len(t, usages, 1)
	assert.Equal(t, id, usages[0]["document_id"])
}

func TestAPI_TwoStepRoute(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")

	id, status := submitDocument(t, srv.URL, "emp-1", "2", "mgr-1", "dir-1")
	require.Equal(t, http.StatusCreated, status)

	var first map[string]any
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/documents/"+id+"/approve",
		map[string]any{"actor": "mgr-1"}, &first)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", first["status"])
	assert.Equal(t, false, first["is_final"])
	assert.Equal(t, float64(2), first["current_step"])

	var second map[string]any
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/documents/"+id+"/approve",
		map[string]any{"actor": "dir-1"}, &second)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, second["is_final"])
}

func TestAPI_AuditTrail(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")

	id, _ := submitDocument(t, srv.URL, "emp-1", "1", "mgr-1")
	doJSON(t, http.MethodPost, srv.URL+"/api/documents/"+id+"/approve",
		map[string]any{"actor": "mgr-1"}, nil)

	var entries []map[string]any
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/documents/"+id+"/audit", nil, &entries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, "document_submitted", entries[0]["action"])
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_InsufficientBalance_422(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "2")

	_, status := submitDocument(t, srv.URL, "emp-1", "5", "mgr-1")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestAPI_UnknownDocument_404(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/documents/no-such-id/approve",
		map[string]any{"actor": "mgr-1"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DoubleApprove_403(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")
	id, _ := submitDocument(t, srv.URL, "emp-1", "1", "mgr-1")

	doJSON(t, http.MethodPost, srv.URL+"/api/documents/"+id+"/approve",
		map[string]any{"actor": "mgr-1"}, nil)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/documents/"+id+"/approve",
		map[string]any{"actor": "mgr-1"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_CancelByStranger_403(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")
	id, _ := submitDocument(t, srv.URL, "emp-1", "1", "mgr-1")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/documents/"+id+"/cancel",
		map[string]any{"subject_id": "emp-2"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_DuplicateManualGrant_409(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/admin/grants", map[string]any{
		"subject_id":      "emp-1",
		"amount":          "5",
		"granted_date":    "2020-01-01",
		"expiration_date": "2099-12-31",
		"reason":          "same identity as the first grant",
		"actor":           "hr-admin",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_EmptyRoute_400(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")

	_, status := submitDocument(t, srv.URL, "emp-1", "1")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_UnknownSubject_404(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/subjects/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAPI_ManualDeduction(t *testing.T) {
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1")
	createGrant(t, srv.URL, "emp-1", "10")

	var body map[string]any
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/admin/deductions", map[string]any{
		"subject_id": "emp-1",
		"amount":     "1.5",
		"used_date":  "2026-05-01",
		"reason":     "balance correction",
		"actor":      "hr-admin",
	}, &body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body["document_id"], "manual-")

	var balance map[string]any
	doJSON(t, http.MethodGet, srv.URL+"/api/subjects/emp-1/balance", nil, &balance)
	assert.Equal(t, "8.5", balance["remaining"])
}

func TestAPI_RunJob(t *testing.T) {
	// The monthly job triggered over HTTP grants on the hire anniversary
	// day and persists a retrievable run summary.
	srv := newTestServer(t)
	createSubject(t, srv.URL, "emp-1") // hired 2024-01-15; use first-year date

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/subjects", map[string]any{
		"id":        "emp-2",
		"name":      "New Hire",
		"hire_date": "2026-03-15",
		"active":    true,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var summary map[string]any
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/admin/jobs/monthly-grant/run",
		map[string]any{"date": "2026-06-15"}, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), summary["evaluated"])
	assert.Equal(t, float64(1), summary["granted"])

	var persisted map[string]any
	resp = doJSON(t, http.MethodGet,
		srv.URL+"/api/admin/jobs/monthly-grant/runs/2026-06-15", nil, &persisted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "monthly-grant", persisted["job_name"])

	var grants []map[string]any
	doJSON(t, http.MethodGet, srv.URL+"/api/subjects/emp-2/grants", nil, &grants)
	require.Len(t, grants, 1)
	assert.Equal(t, "monthly", grants[0]["type"])
}

func TestAPI_RunJob_Unknown_404(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/admin/jobs/nope/run", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
