// Package route implements the route lifecycle: a route is one addressed
// command delivery from a caller to a device it owns, pending until exactly
// one response is recorded. The single-response invariant is enforced with a
// conditional create against the shared tree, not with locks.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ThomasVuNguyen/village/internal/fault"
	"github.com/ThomasVuNguyen/village/internal/registry"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
)

type Route struct {
	RouteID       string `json:"-"`
	FromPrincipal string `json:"from_principal"`
	FromDeviceID  string `json:"from_device_id"`
	ToPrincipal   string `json:"to_principal"`
	ToDeviceID    string `json:"to_device_id"`
	Command       string `json:"command"`
	ContentType   string `json:"content_type"`
	CreatedAt     int64  `json:"created_at"`
	Status        Status `json:"status"`
}

type Response struct {
	RouteID      string `json:"-"`
	FromDeviceID string `json:"from_device_id"`
	Output       string `json:"output"`
	ContentType  string `json:"content_type"`
	CreatedAt    int64  `json:"created_at"`
}

// AutoTarget asks the route layer to pick the most recently seen idle device
// in the caller's fleet instead of a fixed target.
const AutoTarget = "auto"

const (
	routesPath    = "routes"
	responsesPath = "responses"

	// DefaultWaitTimeout bounds a caller's wait for a response. Giving up
	// does not retract the route; the target still executes and responds.
	DefaultWaitTimeout = 240 * time.Second
	waitPollInterval   = 500 * time.Millisecond
)

type Manager struct {
	Store    tree.Store
	Registry *registry.Registry
	Now      func() time.Time
}

func NewManager(store tree.Store, reg *registry.Registry) *Manager {
	return &Manager{Store: store, Registry: reg, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Create validates an ask and writes a pending route. The target must exist
// and be owned by the calling principal: routing is within one principal's
// fleet, not arbitrary cross-tenant messaging.
func (m *Manager) Create(ctx context.Context, principal, fromDeviceID, toDeviceID, command, contentType string) (string, error) {
	fromDeviceID = strings.TrimSpace(fromDeviceID)
	toDeviceID = strings.TrimSpace(toDeviceID)
	if fromDeviceID == "" || toDeviceID == "" {
		return "", fmt.Errorf("%w: from_device_id and to_device_id required", fault.ErrBadRequest)
	}
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("%w: command required", fault.ErrBadRequest)
	}
	if contentType == "" {
		contentType = "text/plain"
	}

	from, ok, err := m.Registry.Get(ctx, fromDeviceID)
	if err != nil {
		return "", err
	}
	if !ok || from.Owner != principal {
		return "", fmt.Errorf("%w: from_device_id not registered to caller", fault.ErrForbidden)
	}

	var to registry.Device
	if toDeviceID == AutoTarget {
		picked, err := m.Registry.PickIdle(ctx, principal, fromDeviceID)
		if err != nil {
			return "", err
		}
		to = picked
		toDeviceID = picked.DeviceID
	} else {
		found, ok, err := m.Registry.Get(ctx, toDeviceID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: to_device_id not found", fault.ErrNotFound)
		}
		to = found
	}
	if to.Owner != principal {
		return "", fmt.Errorf("%w: to_device_id not in caller's fleet", fault.ErrForbidden)
	}

	rt := Route{
		FromPrincipal: principal,
		FromDeviceID:  fromDeviceID,
		ToPrincipal:   to.Owner,
		ToDeviceID:    toDeviceID,
		Command:       command,
		ContentType:   contentType,
		CreatedAt:     m.now().Unix(),
		Status:        StatusPending,
	}
	return m.Store.Push(ctx, routesPath, rt)
}

// SubmitResponse records the single response for a route and flips it to
// delivered. Only the addressed device may respond; the first writer wins
// and every later attempt observes Conflict.
func (m *Manager) SubmitResponse(ctx context.Context, principal, routeID, fromDeviceID, output, contentType string) error {
	routeID = strings.TrimSpace(routeID)
	fromDeviceID = strings.TrimSpace(fromDeviceID)
	if routeID == "" || fromDeviceID == "" {
		return fmt.Errorf("%w: route_id and from_device_id required", fault.ErrBadRequest)
	}
	if contentType == "" {
		contentType = "text/plain"
	}

	dev, ok, err := m.Registry.Get(ctx, fromDeviceID)
	if err != nil {
		return err
	}
	if !ok || dev.Owner != principal {
		return fmt.Errorf("%w: from_device_id not registered to caller", fault.ErrForbidden)
	}

	rt, ok, err := m.Get(ctx, routeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: route not found", fault.ErrNotFound)
	}
	if rt.ToDeviceID != fromDeviceID {
		return fmt.Errorf("%w: device not addressed by this route", fault.ErrForbidden)
	}

	resp := Response{
		FromDeviceID: fromDeviceID,
		Output:       output,
		ContentType:  contentType,
		CreatedAt:    m.now().Unix(),
	}
	if err := m.Store.Create(ctx, responsesPath+"/"+routeID, resp); err != nil {
		if err == tree.ErrExists {
			return fmt.Errorf("%w: response already exists for this route", fault.ErrConflict)
		}
		return err
	}

	// The response is authoritative; the status flip is observability for
	// pollers and must not undo the write above.
	return m.Store.Update(ctx, routesPath+"/"+routeID, map[string]any{"status": StatusDelivered})
}

func (m *Manager) Get(ctx context.Context, routeID string) (Route, bool, error) {
	raw, err := m.Store.Get(ctx, routesPath+"/"+routeID)
	if err != nil {
		return Route{}, false, err
	}
	if raw == nil {
		return Route{}, false, nil
	}
	var rt Route
	if err := json.Unmarshal(raw, &rt); err != nil {
		return Route{}, false, fmt.Errorf("decode route %q: %w", routeID, err)
	}
	rt.RouteID = routeID
	return rt, true, nil
}

func (m *Manager) GetResponse(ctx context.Context, routeID string) (Response, bool, error) {
	raw, err := m.Store.Get(ctx, responsesPath+"/"+routeID)
	if err != nil {
		return Response{}, false, err
	}
	if raw == nil {
		return Response{}, false, nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode response %q: %w", routeID, err)
	}
	resp.RouteID = routeID
	return resp, true, nil
}

// WaitForResponse polls for the route's response until it appears, the
// timeout passes or ctx is canceled.
func (m *Manager) WaitForResponse(ctx context.Context, routeID string, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		resp, ok, err := m.GetResponse(ctx, routeID)
		if err != nil && ctx.Err() == nil {
			return Response{}, err
		}
		if ok {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("%w: no response within %s", fault.ErrUnavailable, timeout)
		case <-ticker.C:
		}
	}
}

// All returns every stored route keyed by route id.
func (m *Manager) All(ctx context.Context) (map[string]Route, error) {
	raw, err := m.Store.Get(ctx, routesPath)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var routes map[string]Route
	if err := json.Unmarshal(raw, &routes); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	return routes, nil
}

// PendingFor lists pending routes addressed to deviceID, oldest first. Push
// keys order by creation time, so sorting by id is FIFO.
func PendingFor(routes map[string]Route, deviceID string) []Route {
	out := make([]Route, 0, len(routes))
	for id, rt := range routes {
		if rt.ToDeviceID != deviceID || rt.Status != StatusPending {
			continue
		}
		rt.RouteID = id
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}
