package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/balancer"
	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	log "github.com/sirupsen/logrus"
)

// RouteAPIRequest runs the full gateway pipeline: resolve, rate limit,
// select, breaker check, session attach, forward, wrap. Every step
// short-circuits on failure with a typed error; rejected requests carry
// enough structure for the caller to decide how to retry.
func (c *TrafficCore) RouteAPIRequest(ctx context.Context, req *types.APIRequest) (*types.APIResponse, error) {
	start := time.Now()

	// 1. Resolve service from path
	route, ok := c.resolve(req.Path)
	if !ok {
		return nil, types.ErrNotFound
	}

	// 2. Admission control, keyed on user id or source IP
	rateReq := types.RateLimitRequest{LimitType: types.LimitPerUser, UserID: req.UserID}
	if req.UserID == "" {
		rateReq = types.RateLimitRequest{LimitType: types.LimitPerIP, IPAddress: req.SourceIP}
	}
	decision := c.Limiter.Check(rateReq)
	if !decision.Allowed {
		if c.Metrics != nil {
			c.Metrics.RateLimitRejected.Inc()
		}
		return &types.APIResponse{
			StatusCode: 429,
			Remaining:  decision.Remaining,
			ResetTime:  decision.ResetTime,
		}, types.ErrRateLimited
	}
	// Refund the consumed token on client abort when configured
	tokenConsumed := true
	defer func() {
		if !tokenConsumed {
			return
		}
		if c.opts.RefundOnCancel && ctx.Err() != nil {
			c.Limiter.Refund(rateReq)
		}
	}()

	strategy := route.Strategy
	if strategy == "" {
		strategy = c.opts.DefaultStrategy
	}

	// 3+4. Select an instance, skipping candidates whose breaker is open
	sel, err := c.selectWithBreaker(route.Service, strategy)
	if err != nil {
		return nil, err
	}
	defer sel.Release()

	if sel.Degraded && c.Metrics != nil {
		c.Metrics.DegradedSelects.Inc()
	}

	// 5. Attach session context; an expired session never leaks context
	var sessionContext map[string]interface{}
	if req.SessionID != "" {
		sess, err := c.Sessions.Get(req.SessionID)
		if err != nil {
			if errors.Is(err, types.ErrSessionExpired) {
				return nil, types.ErrSessionExpired
			}
			// Unknown session ids route without context
		} else {
			sessionContext = sess.Context
		}
	}

	// 6. Forward under a bounded timeout
	forwardCtx, cancel := context.WithTimeout(ctx, c.opts.ForwardTimeout)
	defer cancel()

	resp, err := c.Transport.Forward(forwardCtx, sel.Instance, req)
	latency := time.Since(start)

	if err != nil {
		sel.Release() // release before accounting so failure paths never leak
		c.Breakers.Get(sel.Instance.ID).RecordFailure()
		c.Registry.RecordFailure(route.Service, sel.Instance.ID)
		c.observe(route.Service, req, 502, latency)

		log.WithFields(log.Fields{
			"service":  route.Service,
			"instance": sel.Instance.ID,
			"latency":  latency,
		}).WithError(err).Error("Failed to route request")

		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, types.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrTimeout
		}
		return nil, err
	}

	tokenConsumed = false // downstream answered, the token stays spent
	c.Breakers.Get(sel.Instance.ID).RecordSuccess()

	// 7. Wrap
	resp.Degraded = sel.Degraded
	resp.SessionContext = sessionContext
	resp.ProcessingTime = latency
	c.observe(route.Service, req, resp.StatusCode, latency)

	log.WithFields(log.Fields{
		"service":     route.Service,
		"instance":    sel.Instance.ID,
		"status_code": resp.StatusCode,
		"latency":     latency,
	}).Debug("Request routed")

	return resp, nil
}

// selectWithBreaker asks the balancer for candidates until one passes its
// circuit breaker, up to the configured retry budget
func (c *TrafficCore) selectWithBreaker(serviceName string, strategy types.Strategy) (*balancer.Selection, error) {
	var lastErr error

	for attempt := 0; attempt < c.opts.CandidateRetries; attempt++ {
		sel, err := c.Balancer.Select(serviceName, strategy)
		if err != nil {
			return nil, err
		}

		if c.Breakers.Allow(sel.Instance.ID) {
			return sel, nil
		}

		sel.Release()
		lastErr = types.ErrCircuitOpen
	}

	if c.Metrics != nil {
		c.Metrics.CircuitOpenTotal.Inc()
	}
	return nil, lastErr
}

func (c *TrafficCore) observe(service string, req *types.APIRequest, status int, latency time.Duration) {
	c.Analytics.Observe(types.TrafficRecord{
		Timestamp:  time.Now(),
		Service:    service,
		Endpoint:   req.Path,
		UserID:     req.UserID,
		StatusCode: status,
		Latency:    latency,
	})

	if c.Metrics != nil {
		class := "2xx"
		switch {
		case status >= 500:
			class = "5xx"
		case status >= 400:
			class = "4xx"
		case status >= 300:
			class = "3xx"
		}
		c.Metrics.RequestsTotal.WithLabelValues(service, class).Inc()
		c.Metrics.RequestDuration.WithLabelValues(service).Observe(latency.Seconds())
	}
}
