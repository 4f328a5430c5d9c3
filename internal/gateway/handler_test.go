package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/ratelimit"
	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

func newRequestCtx(method, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI("/")
	ctx.Request.SetBodyString(body)
	return ctx
}

func TestHandler_ParseEnvelope(t *testing.T) {
	h := NewHandler(nil)

	req, err := h.parse([]byte(`{
		"method": "POST",
		"path": "/api/v1/insights",
		"user_id": "u1",
		"session_id": "s1",
		"headers": {"X-Trace": "abc"},
		"query_params": {"page": "2"},
		"body": "{\"payload\":1}"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/api/v1/insights", req.Path)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "abc", req.Headers["X-Trace"])
	assert.Equal(t, "2", req.QueryParams["page"])
	assert.JSONEq(t, `{"payload":1}`, string(req.Body))
}

func TestHandler_ParseDefaultsMethod(t *testing.T) {
	h := NewHandler(nil)

	req, err := h.parse([]byte(`{"path": "/api/x"}`))
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
}

func TestHandler_ParseRejectsMissingPath(t *testing.T) {
	h := NewHandler(nil)

	_, err := h.parse([]byte(`{"method": "GET"}`))
	assert.Error(t, err)
}

func TestHandler_ParseRejectsMalformedJSON(t *testing.T) {
	h := NewHandler(nil)

	_, err := h.parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := newCoreFixture(t, ratelimit.Config{}, Options{})
	h := NewHandler(f.core)

	ctx := newRequestCtx("GET", "")
	h.Handle(ctx)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestHandler_BadEnvelope(t *testing.T) {
	f := newCoreFixture(t, ratelimit.Config{}, Options{})
	h := NewHandler(f.core)

	ctx := newRequestCtx("POST", `{"method": "GET"}`)
	h.Handle(ctx)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandler_RoutesAndWrapsResponse(t *testing.T) {
	f := newCoreFixture(t, ratelimit.Config{}, Options{})
	registerInstances(t, f, "insights", 1)
	f.core.AddRoute(types.Route{Prefix: "/api", Service: "insights"})
	h := NewHandler(f.core)

	ctx := newRequestCtx("POST", `{"method": "GET", "path": "/api/x", "user_id": "u1"}`)
	h.Handle(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var env responseEnvelope
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &env))
	assert.Equal(t, 200, env.StatusCode)
	assert.Equal(t, "insights-a", env.Instance)
	assert.JSONEq(t, `{"ok":true}`, string(env.Body))
}

func TestHandler_ErrorStatusMapping(t *testing.T) {
	f := newCoreFixture(t, ratelimit.Config{DefaultCapacity: 1}, Options{})
	registerInstances(t, f, "insights", 1)
	f.core.AddRoute(types.Route{Prefix: "/api", Service: "insights"})
	h := NewHandler(f.core)

	// Unknown route
	ctx := newRequestCtx("POST", `{"path": "/nope", "user_id": "u1"}`)
	h.Handle(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	// Exhaust the one-token bucket then get rejected
	ctx = newRequestCtx("POST", `{"path": "/api/x", "user_id": "u2"}`)
	h.Handle(ctx)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = newRequestCtx("POST", `{"path": "/api/x", "user_id": "u2"}`)
	h.Handle(ctx)
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
	assert.NotEmpty(t, ctx.Response.Header.Peek("X-RateLimit-Reset"))
}
