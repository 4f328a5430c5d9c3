package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	"github.com/valyala/fasthttp"
)

// Transport forwards a request to a concrete instance. It is the only
// blocking external call on the routing path and always runs under the
// router's timeout.
type Transport interface {
	Forward(ctx context.Context, instance *types.ServiceInstance, req *types.APIRequest) (*types.APIResponse, error)
}

// HTTPTransport forwards over fasthttp with pooled connections
type HTTPTransport struct {
	client *fasthttp.Client
}

// NewHTTPTransport creates the default transport
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &fasthttp.Client{
			MaxConnsPerHost:     1000,
			MaxIdleConnDuration: 10 * time.Second,
			ReadTimeout:         5 * time.Second,
			WriteTimeout:        5 * time.Second,
		},
	}
}

// Forward sends the request to the instance and wraps the response.
// Cancellation of ctx aborts the call.
func (t *HTTPTransport) Forward(ctx context.Context, instance *types.ServiceInstance, req *types.APIRequest) (*types.APIResponse, error) {
	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()

	uri := fmt.Sprintf("http://%s:%d%s", instance.Host, instance.Port, req.Path)
	freq.SetRequestURI(uri)
	freq.Header.SetMethod(req.Method)
	for k, v := range req.Headers {
		freq.Header.Set(k, v)
	}
	if len(req.QueryParams) > 0 {
		args := freq.URI().QueryArgs()
		for k, v := range req.QueryParams {
			args.Set(k, v)
		}
	}
	if len(req.Body) > 0 {
		freq.SetBody(req.Body)
	}

	deadline, hasDeadline := ctx.Deadline()

	type result struct {
		resp *types.APIResponse
		err  error
	}

	// The goroutine owns both pooled objects: it copies the response out
	// before releasing them, so an early return on ctx cancellation never
	// hands a request or response back to the pool while Do still runs.
	done := make(chan result, 1)
	go func() {
		defer fasthttp.ReleaseRequest(freq)
		defer fasthttp.ReleaseResponse(fresp)

		var err error
		if hasDeadline {
			err = t.client.DoDeadline(freq, fresp, deadline)
		} else {
			err = t.client.Do(freq, fresp)
		}
		if err != nil {
			if err == fasthttp.ErrTimeout {
				done <- result{err: types.ErrTimeout}
				return
			}
			done <- result{err: fmt.Errorf("forward to %s: %w", instance.ID, err)}
			return
		}

		resp := &types.APIResponse{
			StatusCode: fresp.StatusCode(),
			Body:       append([]byte(nil), fresp.Body()...),
			Headers:    make(map[string]string),
			Instance:   instance.ID,
		}
		fresp.Header.VisitAll(func(key, value []byte) {
			resp.Headers[string(key)] = string(value)
		})
		done <- result{resp: resp}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
