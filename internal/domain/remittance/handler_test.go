package remittance

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/labstack/echo/v4"

	"github.com/serenity/erp/internal/platform/auth"
	"github.com/serenity/erp/internal/platform/blobstore"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestService()
	return NewHandler(env.svc, 0), env, echo.New()
}

func (env *testEnv) request(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	ctx := auth.WithIdentity(req.Context(), "user-1", env.orgID.String(), []string{"billing"})
	return req.WithContext(ctx)
}

func expectHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	if he.Code != want {
		t.Errorf("expected status %d, got %d (%v)", want, he.Code, he.Message)
	}
}

func TestHandler_CreateRemittance(t *testing.T) {
	h, env, e := newTestHandler()

	body := `{"remittance_number":"REM-1","payer_id":"PAYER1","total_payment_amount":"120.00"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(env.request(http.MethodPost, "/", body), rec)

	if err := h.CreateRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var m Remittance
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Status != StatusReceived || m.OrganizationID != env.orgID {
		t.Errorf("unexpected remittance %+v", m)
	}
}

func TestHandler_CreateRemittance_Errors(t *testing.T) {
	h, env, e := newTestHandler()
	env.createRemittance(t, "REM-DUP")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid body", `{"remittance_number":`, http.StatusBadRequest},
		{"missing fields", `{"payer_id":"P"}`, http.StatusBadRequest},
		{"duplicate", `{"remittance_number":"REM-DUP","payer_id":"PAYER1","total_payment_amount":"1"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(env.request(http.MethodPost, "/", tt.body), httptest.NewRecorder())
			expectHTTPStatus(t, h.CreateRemittance(c), tt.want)
		})
	}
}

func TestHandler_InvalidOrganization(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "u", "not-a-uuid", []string{"admin"}))
	c := e.NewContext(req, httptest.NewRecorder())

	expectHTTPStatus(t, h.ListRemittances(c), http.StatusForbidden)
}

func TestHandler_GetRemittance(t *testing.T) {
	h, env, e := newTestHandler()
	m, _ := env.scenario(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(env.request(http.MethodGet, "/", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(m.ID.String())
	if err := h.GetRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Remittance
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Details) != 2 {
		t.Errorf("expected 2 details, got %d", len(got.Details))
	}
	if strings.Contains(rec.Body.String(), "CLP*") {
		t.Error("raw content must not be rendered")
	}

	c = e.NewContext(env.request(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPStatus(t, h.GetRemittance(c), http.StatusNotFound)

	c = e.NewContext(env.request(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("bad")
	expectHTTPStatus(t, h.GetRemittance(c), http.StatusBadRequest)
}

func TestHandler_ListRemittances(t *testing.T) {
	h, env, e := newTestHandler()
	env.createRemittance(t, "REM-1")
	env.createRemittance(t, "REM-2")
	env.createRemittance(t, "REM-3")

	rec := httptest.NewRecorder()
	c := e.NewContext(env.request(http.MethodGet, "/?limit=2", ""), rec)
	if err := h.ListRemittances(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data       []Remittance `json:"data"`
		Total      int          `json:"total"`
		HasMore    bool         `json:"has_more"`
		NextOffset *int         `json:"next_offset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore || resp.NextOffset == nil || *resp.NextOffset != 2 {
		t.Errorf("unexpected page %+v", resp)
	}

	c = e.NewContext(env.request(http.MethodGet, "/?status=bogus", ""), httptest.NewRecorder())
	expectHTTPStatus(t, h.ListRemittances(c), http.StatusBadRequest)
}

func TestHandler_ListDetails(t *testing.T) {
	h, env, e := newTestHandler()
	m, _ := env.scenario(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(env.request(http.MethodGet, "/?posting_status=pending", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(m.ID.String())
	if err := h.ListDetails(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var items []ClaimDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].PatientAccountNumber != "ACC001" {
		t.Errorf("expected only the pending ACC001 detail, got %+v", items)
	}
}

func (env *testEnv) parseContext(e *echo.Echo, id uuid.UUID, req *http.Request) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return c, rec
}

func decodeParseResult(t *testing.T, rec *httptest.ResponseRecorder) ParseResult {
	t.Helper()
	var res ParseResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

func TestHandler_Parse_RawBody(t *testing.T) {
	h, env, e := newTestHandler()
	env.store.addClaimLine(env.orgID, "ACC001", ClaimLineSubmitted)
	m := env.createRemittance(t, "REM-1")

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(scenarioERA))
	req.Header.Set(echo.HeaderContentType, "application/edi-x12")
	req = req.WithContext(auth.WithIdentity(req.Context(), "u", env.orgID.String(), nil))
	c, rec := env.parseContext(e, m.ID, req)

	if err := h.ParseRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := decodeParseResult(t, rec)
	if !res.Success || res.ClaimsProcessed != 2 || res.ClaimsUnmatched != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if !strings.Contains(rec.Body.String(), `"claimsProcessed":2`) {
		t.Errorf("expected camelCase keys, got %s", rec.Body.String())
	}
}

func TestHandler_Parse_JSONBody(t *testing.T) {
	h, env, e := newTestHandler()
	m := env.createRemittance(t, "REM-1")

	payload, _ := json.Marshal(map[string]string{"content": scenarioERA})
	c, rec := env.parseContext(e, m.ID, env.request(http.MethodPost, "/", string(payload)))

	if err := h.ParseRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res := decodeParseResult(t, rec); res.ClaimsProcessed != 2 {
		t.Errorf("expected 2 claims, got %+v", res)
	}
}

func TestHandler_Parse_GzipBody(t *testing.T) {
	h, env, e := newTestHandler()
	m := env.createRemittance(t, "REM-1")

	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(scenarioERA)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req = req.WithContext(auth.WithIdentity(context.Background(), "u", env.orgID.String(), nil))
	c, rec := env.parseContext(e, m.ID, req)

	if err := h.ParseRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res := decodeParseResult(t, rec); res.ClaimsProcessed != 2 {
		t.Errorf("expected 2 claims, got %+v", res)
	}

	bad := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not gzip"))
	bad.Header.Set(echo.HeaderContentEncoding, "gzip")
	bad = bad.WithContext(auth.WithIdentity(context.Background(), "u", env.orgID.String(), nil))
	c, _ = env.parseContext(e, m.ID, bad)
	expectHTTPStatus(t, h.ParseRemittance(c), http.StatusBadRequest)
}

func TestHandler_Parse_GzipBodyTooLarge(t *testing.T) {
	env := newTestService()
	h, e := NewHandler(env.svc, 4096), echo.New()
	m := env.createRemittance(t, "REM-1")

	// A few hundred compressed bytes that inflate to 1MB.
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	if _, err := zw.Write(bytes.Repeat([]byte("CLP*A*1*0*0~"), 1<<20/12)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if buf.Len() >= 4096 {
		t.Fatalf("compressed body should fit the limit, got %d bytes", buf.Len())
	}

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req = req.WithContext(auth.WithIdentity(context.Background(), "u", env.orgID.String(), nil))
	c, _ := env.parseContext(e, m.ID, req)
	expectHTTPStatus(t, h.ParseRemittance(c), http.StatusRequestEntityTooLarge)

	if got := env.store.remittance(m.ID); got.Status != StatusReceived {
		t.Errorf("oversized body must not start a parse, got status %s", got.Status)
	}
}

func TestNewHandler_DefaultMaxContent(t *testing.T) {
	env := newTestService()
	if h := NewHandler(env.svc, -1); h.maxContent != DefaultMaxContent {
		t.Errorf("expected default limit %d, got %d", DefaultMaxContent, h.maxContent)
	}
}

func TestHandler_Parse_Unprocessable(t *testing.T) {
	h, env, e := newTestHandler()
	m := env.createRemittance(t, "REM-1")

	c, rec := env.parseContext(e, m.ID, env.request(http.MethodPost, "/", `{"content":"garbage"}`))
	if err := h.ParseRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	res := decodeParseResult(t, rec)
	if res.Success || res.Error == "" {
		t.Errorf("expected failure with message, got %+v", res)
	}
}

func TestHandler_Parse_AlreadyParsed(t *testing.T) {
	h, env, e := newTestHandler()
	m, _ := env.scenario(t)

	payload, _ := json.Marshal(map[string]string{"content": scenarioERA})
	c, _ := env.parseContext(e, m.ID, env.request(http.MethodPost, "/", string(payload)))
	expectHTTPStatus(t, h.ParseRemittance(c), http.StatusConflict)
}

func TestHandler_AutoPost(t *testing.T) {
	h, env, e := newTestHandler()
	m, _ := env.scenario(t)

	c, rec := env.parseContext(e, m.ID, env.request(http.MethodPost, "/?retry_errors=true", ""))
	if err := h.AutoPost(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res AutoPostResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Posted != 1 || res.Skipped != 1 || res.Status != StatusPosted {
		t.Errorf("unexpected result %+v", res)
	}
	if d := detailByAccount(t, env.store.detailsFor(m.ID), "ACC001"); d.PostedBy == nil || *d.PostedBy != "user-1" {
		t.Errorf("expected posted_by from identity, got %v", d.PostedBy)
	}

	received := env.createRemittance(t, "REM-NEW")
	c, _ = env.parseContext(e, received.ID, env.request(http.MethodPost, "/", ""))
	expectHTTPStatus(t, h.AutoPost(c), http.StatusConflict)
}

func TestHandler_ManualPost(t *testing.T) {
	h, env, e := newTestHandler()
	m, _ := env.scenario(t)
	target := env.store.addClaimLine(env.orgID, "T1", ClaimLineSubmitted)
	b := detailByAccount(t, env.store.detailsFor(m.ID), "ACC999")
	a := detailByAccount(t, env.store.detailsFor(m.ID), "ACC001")

	manual := func(detailID uuid.UUID, body string) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		c := e.NewContext(env.request(http.MethodPost, "/", body), rec)
		c.SetParamNames("detailId")
		c.SetParamValues(detailID.String())
		return rec, h.ManualPost(c)
	}

	rec, err := manual(b.ID, `{"claimLineId":"`+target.ID.String()+`"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d ClaimDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.PostingStatus != PostingPosted {
		t.Errorf("expected posted, got %s", d.PostingStatus)
	}

	_, err = manual(b.ID, `{"claimLineId":"`+target.ID.String()+`"}`)
	expectHTTPStatus(t, err, http.StatusConflict)

	_, err = manual(a.ID, `{"claimLineId":"`+target.ID.String()+`"}`)
	expectHTTPStatus(t, err, http.StatusConflict)

	_, err = manual(uuid.New(), `{"claimLineId":"`+target.ID.String()+`"}`)
	expectHTTPStatus(t, err, http.StatusNotFound)

	_, err = manual(a.ID, `{}`)
	expectHTTPStatus(t, err, http.StatusBadRequest)
}

func TestHandler_GetRawContent(t *testing.T) {
	h, env, e := newTestHandler()
	m, _ := env.scenario(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(env.request(http.MethodGet, "/", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(m.ID.String())
	if err := h.GetRawContent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != blobstore.ContentTypeERA {
		t.Errorf("expected content type %s, got %s", blobstore.ContentTypeERA, ct)
	}
	if rec.Body.String() != scenarioERA {
		t.Errorf("expected original 835 content, got %q", rec.Body.String())
	}

	empty := env.createRemittance(t, "REM-EMPTY")
	c = e.NewContext(env.request(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(empty.ID.String())
	expectHTTPStatus(t, h.GetRawContent(c), http.StatusNotFound)
}

func TestHandler_GetStats(t *testing.T) {
	h, env, e := newTestHandler()
	env.scenario(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(env.request(http.MethodGet, "/?days=7", ""), rec)
	if err := h.GetStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.WindowDays != 7 || st.TotalRemittances != 1 {
		t.Errorf("unexpected stats %+v", st)
	}

	for _, q := range []string{"0", "-3", "week"} {
		c := e.NewContext(env.request(http.MethodGet, "/?days="+q, ""), httptest.NewRecorder())
		expectHTTPStatus(t, h.GetStats(c), http.StatusBadRequest)
	}
}

func TestHandler_RoutesRequireRole(t *testing.T) {
	h, env, e := newTestHandler()
	roles := []string{"viewer"}
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "u", env.orgID.String(), roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/remittance/stats", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for viewer, got %d", rec.Code)
	}

	roles = []string{"billing"}
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/remittance/stats", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for billing, got %d", rec.Code)
	}
}
