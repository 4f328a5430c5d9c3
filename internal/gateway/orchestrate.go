package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/session"
	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

// The orchestrate entry points sequence the core operations for the common
// flows other pillars drive: gateway setup and routing, session lifecycle,
// and state sync. Each takes an operation name plus an opaque argument map
// and dispatches to the typed operation.

// OrchestrateAPIGateway handles gateway-facing composite operations
func (c *TrafficCore) OrchestrateAPIGateway(ctx context.Context, operation string, args map[string]interface{}) (map[string]interface{}, error) {
	switch operation {
	case "route_request":
		req := apiRequestFromArgs(args)
		resp, err := c.RouteAPIRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status_code":     resp.StatusCode,
			"body":            resp.Body,
			"instance":        resp.Instance,
			"degraded":        resp.Degraded,
			"processing_time": resp.ProcessingTime.String(),
		}, nil

	case "get_routes":
		return map[string]interface{}{"routes": c.Routes()}, nil

	case "register_instance":
		service, _ := args["service_name"].(string)
		inst := instanceFromArgs(args)
		if err := c.Registry.Register(service, inst); err != nil {
			return nil, err
		}
		return map[string]interface{}{"instance": inst.ID}, nil

	case "unregister_instance":
		service, _ := args["service_name"].(string)
		id, _ := args["instance_id"].(string)
		if err := c.Registry.Deregister(service, id); err != nil {
			return nil, err
		}
		return map[string]interface{}{"instance": id}, nil

	default:
		return nil, fmt.Errorf("unknown api gateway operation %q: %w", operation, types.ErrNotFound)
	}
}

// OrchestrateSessionManagement handles session composite operations
func (c *TrafficCore) OrchestrateSessionManagement(_ context.Context, operation string, args map[string]interface{}) (map[string]interface{}, error) {
	switch operation {
	case "create_session":
		ttl, _ := args["ttl_seconds"].(float64)
		sessionContext, _ := args["context"].(map[string]interface{})
		sess, err := c.Sessions.Create(session.CreateRequest{
			ID:      stringArg(args, "session_id"),
			UserID:  stringArg(args, "user_id"),
			Type:    stringArg(args, "session_type"),
			Context: sessionContext,
			TTL:     time.Duration(ttl) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return sessionResult(sess), nil

	case "get_session":
		sess, err := c.Sessions.Get(stringArg(args, "session_id"))
		if err != nil {
			return nil, err
		}
		return sessionResult(sess), nil

	case "update_session":
		patch, _ := args["updates"].(map[string]interface{})
		sess, err := c.Sessions.Update(stringArg(args, "session_id"), session.Patch{Context: patch})
		if err != nil {
			return nil, err
		}
		return sessionResult(sess), nil

	case "destroy_session":
		id := stringArg(args, "session_id")
		if err := c.Sessions.Destroy(id); err != nil {
			return nil, err
		}
		return map[string]interface{}{"session_id": id}, nil

	default:
		return nil, fmt.Errorf("unknown session operation %q: %w", operation, types.ErrNotFound)
	}
}

// OrchestrateStateSync handles state synchronization composite operations
func (c *TrafficCore) OrchestrateStateSync(_ context.Context, operation string, args map[string]interface{}) (map[string]interface{}, error) {
	switch operation {
	case "sync_state":
		priority, _ := args["priority"].(float64)
		stateData, _ := args["state_data"].(map[string]interface{})
		syncID, err := c.Sync.SyncState(types.StateSyncRequest{
			Key:          stringArg(args, "key"),
			SourcePillar: stringArg(args, "source_pillar"),
			TargetPillar: stringArg(args, "target_pillar"),
			StateData:    stateData,
			SyncType:     types.SyncType(stringArg(args, "sync_type")),
			Priority:     int(priority),
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"sync_id": syncID}, nil

	case "get_sync_status":
		syncID := stringArg(args, "sync_id")
		status, err := c.Sync.Status(syncID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"sync_id":     syncID,
			"sync_status": status.String(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown state sync operation %q: %w", operation, types.ErrNotFound)
	}
}

func apiRequestFromArgs(args map[string]interface{}) *types.APIRequest {
	req := &types.APIRequest{
		Method:    stringArg(args, "method"),
		Path:      stringArg(args, "path"),
		UserID:    stringArg(args, "user_id"),
		SessionID: stringArg(args, "session_id"),
		SourceIP:  stringArg(args, "source_ip"),
	}
	if headers, ok := args["headers"].(map[string]interface{}); ok {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Headers[k] = s
			}
		}
	}
	if body, ok := args["body"].(string); ok {
		req.Body = []byte(body)
	}
	return req
}

func instanceFromArgs(args map[string]interface{}) *types.ServiceInstance {
	port, _ := args["port"].(float64)
	weight, _ := args["weight"].(float64)
	return &types.ServiceInstance{
		ID:             stringArg(args, "id"),
		Host:           stringArg(args, "host"),
		Port:           int(port),
		Weight:         int(weight),
		HealthCheckURL: stringArg(args, "health_check_url"),
	}
}

func sessionResult(sess *types.Session) map[string]interface{} {
	return map[string]interface{}{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"status":     string(sess.Status),
		"expires_at": sess.ExpiresAt(),
	}
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}
