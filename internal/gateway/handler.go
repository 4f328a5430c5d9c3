package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fastjson"
)

var parserPool = sync.Pool{
	New: func() interface{} {
		return &fastjson.Parser{}
	},
}

// Handler is the fasthttp binding for the data plane. Inbound requests are
// JSON envelopes carrying the language-agnostic request record; the handler
// decodes, routes and writes the wrapped response.
type Handler struct {
	core *TrafficCore

	requestsTotal    atomic.Uint64
	requestsRejected atomic.Uint64
}

// NewHandler creates the data-plane handler
func NewHandler(core *TrafficCore) *Handler {
	return &Handler{core: core}
}

// Handle processes one inbound request
func (h *Handler) Handle(ctx *fasthttp.RequestCtx) {
	h.requestsTotal.Add(1)

	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	req, err := h.parse(ctx.PostBody())
	if err != nil {
		h.requestsRejected.Add(1)
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(`{"error":"invalid request envelope"}`)
		return
	}
	if req.SourceIP == "" {
		req.SourceIP = ctx.RemoteIP().String()
	}

	// fasthttp's RequestCtx satisfies context.Context with a
	// server-lifetime Done channel, so it cannot signal per-request
	// cancellation. Routing runs on its own context; step timeouts are
	// applied downstream.
	resp, err := h.core.RouteAPIRequest(context.Background(), req)
	if err != nil {
		h.writeError(ctx, resp, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	writeResponse(ctx, resp)
}

// parse decodes the request envelope with a pooled fastjson parser
func (h *Handler) parse(body []byte) (*types.APIRequest, error) {
	p := parserPool.Get().(*fastjson.Parser)
	defer parserPool.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, err
	}

	req := &types.APIRequest{
		Method:    string(v.GetStringBytes("method")),
		Path:      string(v.GetStringBytes("path")),
		UserID:    string(v.GetStringBytes("user_id")),
		SessionID: string(v.GetStringBytes("session_id")),
		SourceIP:  string(v.GetStringBytes("source_ip")),
	}
	if req.Path == "" {
		return nil, errors.New("missing path")
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	if headers := v.GetObject("headers"); headers != nil {
		req.Headers = make(map[string]string)
		headers.Visit(func(key []byte, value *fastjson.Value) {
			req.Headers[string(key)] = string(value.GetStringBytes())
		})
	}
	if params := v.GetObject("query_params"); params != nil {
		req.QueryParams = make(map[string]string)
		params.Visit(func(key []byte, value *fastjson.Value) {
			req.QueryParams[string(key)] = string(value.GetStringBytes())
		})
	}
	if body := v.GetStringBytes("body"); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	return req, nil
}

func (h *Handler) writeError(ctx *fasthttp.RequestCtx, resp *types.APIResponse, err error) {
	h.requestsRejected.Add(1)
	ctx.SetContentType("application/json")

	switch {
	case errors.Is(err, types.ErrNotFound):
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString(`{"error":"route not found"}`)

	case errors.Is(err, types.ErrRateLimited):
		ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		if resp != nil {
			ctx.Response.Header.Set("X-RateLimit-Remaining", "0")
			ctx.Response.Header.Set("X-RateLimit-Reset", resp.ResetTime.UTC().Format("2006-01-02T15:04:05Z"))
		}
		ctx.SetBodyString(`{"error":"rate limit exceeded"}`)

	case errors.Is(err, types.ErrUnavailable):
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetBodyString(`{"error":"no service instances available"}`)

	case errors.Is(err, types.ErrCircuitOpen):
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetBodyString(`{"error":"circuit breaker open"}`)

	case errors.Is(err, types.ErrSessionExpired):
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString(`{"error":"session expired"}`)

	case errors.Is(err, types.ErrTimeout):
		ctx.SetStatusCode(fasthttp.StatusGatewayTimeout)
		ctx.SetBodyString(`{"error":"downstream timeout"}`)

	default:
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString(`{"error":"downstream failure"}`)
	}
}

type responseEnvelope struct {
	StatusCode       int             `json:"status_code"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Degraded         bool            `json:"degraded,omitempty"`
	Instance         string          `json:"instance,omitempty"`
	Body             json.RawMessage `json:"body,omitempty"`
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *types.APIResponse) {
	env := responseEnvelope{
		StatusCode:       resp.StatusCode,
		ProcessingTimeMs: resp.ProcessingTime.Milliseconds(),
		Degraded:         resp.Degraded,
		Instance:         resp.Instance,
	}
	if json.Valid(resp.Body) {
		env.Body = resp.Body
	}

	out, err := json.Marshal(env)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(out)
}
