package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldrec/internal/ingest"
	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/memstore"
	"github.com/roach88/fieldrec/internal/schema"
	"github.com/roach88/fieldrec/internal/testutil"
)

const testSecret = "test-secret"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	handler  http.Handler
	registry *schema.Registry
	store    *memstore.Store
}

func newFixture(t *testing.T, secret string, store ingest.RecordStore, opts ...ingest.Option) *fixture {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := reg.Publish(context.Background(), ir.Schema{
		FormID: "offering",
		Title:  "Sunday offering",
		Fields: []ir.FieldDef{
			{Name: "amount", Kind: ir.KindNumber, Required: true, Constraint: ir.Constraint{Min: "0"}},
			{Name: "fund", Kind: ir.KindEnum, Constraint: ir.Constraint{Allowed: []string{"general", "missions"}}},
		},
	})
	require.NoError(t, err)

	mem, _ := store.(*memstore.Store)
	opts = append([]ingest.Option{
		ingest.WithClock(testutil.NewDeterministicClock(time.Time{}, time.Second)),
		ingest.WithIDGenerator(testutil.NewSequenceGenerator("gen")),
	}, opts...)
	coord := ingest.NewCoordinator(reg, store, opts...)

	return &fixture{
		handler:  NewRouter(coord, reg, Options{JWTSecret: secret, Logger: quietLogger}),
		registry: reg,
		store:    mem,
	}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		dec := json.NewDecoder(bytes.NewReader(rec.Body.Bytes()))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&out), rec.Body.String())
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))

	rec, body := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitCommitThenDuplicate(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))
	payload := `{"nonce":"n-1","submitter_id":"usher-1","fields":{"amount":12.50,"fund":"general"}}`

	rec, body := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", payload, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "committed", body["status"])

	record := body["record"].(map[string]any)
	assert.Equal(t, ir.RecordID("offering", "n-1"), record["id"])
	assert.Equal(t, "usher-1", record["submitter_id"])
	amount := record["fields"].(map[string]any)["amount"].(map[string]any)
	assert.Equal(t, "number", amount["kind"])
	assert.Equal(t, "12.5", amount["value"], "decimal kept exact")

	rec, body = f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", payload, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", body["status"])
	assert.Equal(t, 1, f.store.Len())
}

func TestSubmitConflictIsClientError(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))

	rec, _ := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", `{"nonce":"n-1","fields":{"amount":1}}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", `{"nonce":"n-1","fields":{"amount":2}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, true, body["conflict"])
	assert.Equal(t, string(ingest.CodeConflict), body["code"])
	assert.Equal(t, ir.RecordID("offering", "n-1"), body["record_id"])
}

func TestSubmitValidationListsAllErrors(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))

	rec, body := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions",
		`{"nonce":"n-1","fields":{"fund":"building","color":"red"}}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(ingest.CodeValidation), body["code"])

	errs := body["errors"].([]any)
	kinds := map[string]string{}
	for _, e := range errs {
		m := e.(map[string]any)
		kinds[m["field"].(string)] = m["kind"].(string)
	}
	assert.Equal(t, map[string]string{
		"amount": "missing",
		"fund":   "out-of-range",
		"color":  "unknown-field",
	}, kinds)
	assert.Zero(t, f.store.Len())
}

func TestSubmitUnknownForm(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))

	rec, body := f.do(t, http.MethodPost, "/api/v1/forms/census/submissions", `{"fields":{}}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(ingest.CodeNotFound), body["code"])
}

func TestSubmitMalformedBody(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))

	rec, _ := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", `{"fields":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", `{"fields":{}} {}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// stalledStore never completes a call before its deadline.
type stalledStore struct{}

func (stalledStore) PutIfAbsent(ctx context.Context, _ ir.Record) (ir.PutResult, error) {
	<-ctx.Done()
	return ir.PutResult{}, ctx.Err()
}

func (stalledStore) Get(ctx context.Context, _ string) (ir.Record, error) {
	<-ctx.Done()
	return ir.Record{}, ctx.Err()
}

func TestSubmitStoreUnavailable(t *testing.T) {
	f := newFixture(t, "", stalledStore{}, ingest.WithStoreTimeout(10*time.Millisecond))

	rec, body := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", `{"nonce":"n-1","fields":{"amount":1}}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, true, body["retryable"])
}

func TestGetAndListRecords(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))

	for _, n := range []string{"a", "b", "c"} {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions", `{"nonce":"`+n+`","fields":{"amount":1}}`, "")
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	id := ir.RecordID("offering", "b")
	rec, body := f.do(t, http.MethodGet, "/api/v1/forms/offering/records/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", body["nonce"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/forms/offering/records/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/v1/forms/offering/records?limit=2&offset=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	records := body["records"].([]any)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].(map[string]any)["nonce"])
	assert.Equal(t, "c", records[1].(map[string]any)["nonce"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/forms/offering/records?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFormsAndSchemaPublication(t *testing.T) {
	f := newFixture(t, "", memstore.New(0))

	rec, body := f.do(t, http.MethodPost, "/api/v1/forms",
		`{"form_id":"offering","fields":[{"name":"amount","kind":"number","required":true,"constraint":{"min":0,"max":500.25}}]}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	published := body["schema"].(map[string]any)
	assert.Equal(t, json.Number("2"), published["version"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/forms", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	forms := body["forms"].([]any)
	require.Len(t, forms, 1)
	assert.Equal(t, json.Number("2"), forms[0].(map[string]any)["version"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/forms/offering/schema?version=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sunday offering", body["schema"].(map[string]any)["title"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/forms/offering/schema?version=9", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Version 1 exists with different content.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/forms", `{"form_id":"offering","version":1,"fields":[{"name":"x","kind":"text"}]}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/v1/forms", `{"form_id":"bad","fields":[{"name":"a","kind":"text"},{"name":"a","kind":"color"}]}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, body["problems"])
}

func TestAuthRequiresBearerToken(t *testing.T) {
	f := newFixture(t, testSecret, memstore.New(0))

	rec, _ := f.do(t, http.MethodGet, "/api/v1/forms", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/forms", "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := GenerateToken("other-secret", "usher-1", "usher", time.Hour)
	require.NoError(t, err)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/forms", "", wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public.
	rec, _ = f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthSubmitterComesFromToken(t *testing.T) {
	f := newFixture(t, testSecret, memstore.New(0))
	token, err := GenerateToken(testSecret, "usher-7", "usher", time.Hour)
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodPost, "/api/v1/forms/offering/submissions",
		`{"nonce":"n-1","submitter_id":"spoofed","fields":{"amount":3}}`, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "usher-7", body["record"].(map[string]any)["submitter_id"])
}

func TestAuthPublishRequiresAdmin(t *testing.T) {
	f := newFixture(t, testSecret, memstore.New(0))
	schemaBody := `{"form_id":"attendance","fields":[{"name":"count","kind":"number"}]}`

	usher, err := GenerateToken(testSecret, "usher-1", "usher", time.Hour)
	require.NoError(t, err)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/forms", schemaBody, usher)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin, err := GenerateToken(testSecret, "pastor", RoleAdmin, time.Hour)
	require.NoError(t, err)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/forms", schemaBody, admin)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	expired, err := GenerateToken(testSecret, "usher-1", "usher", -time.Minute)
	require.NoError(t, err)

	_, err = ValidateToken(testSecret, expired)
	assert.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, testSecret, memstore.New(0))

	rec, _ := f.do(t, http.MethodOptions, "/api/v1/forms/offering/submissions", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryReturns500(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
