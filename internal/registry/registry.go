// Package registry manages device records in the shared tree: registration
// and ownership claims, presence/status updates and idle-device selection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ThomasVuNguyen/village/internal/fault"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusBusy, StatusOffline:
		return true
	}
	return false
}

type Device struct {
	DeviceID   string `json:"-"`
	Owner      string `json:"owner_principal"`
	Name       string `json:"name"`
	Status     Status `json:"status"`
	LastSeenAt int64  `json:"last_seen_at"`
	CreatedAt  int64  `json:"created_at"`
}

const devicesPath = "devices"

type Registry struct {
	Store tree.Store
	Now   func() time.Time
}

func New(store tree.Store) *Registry {
	return &Registry{Store: store, Now: time.Now}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register claims deviceID for principal, or refreshes the record if the
// principal already owns it. A device is owned by the first principal that
// registers it, for its whole lifetime.
func (r *Registry) Register(ctx context.Context, principal, deviceID, name string) (Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if principal == "" || deviceID == "" {
		return Device{}, fmt.Errorf("%w: device_id required", fault.ErrBadRequest)
	}
	if name = strings.TrimSpace(name); name == "" {
		name = deviceID
	}

	existing, ok, err := r.Get(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}
	if ok && existing.Owner != principal {
		return Device{}, fmt.Errorf("%w: device_id already claimed", fault.ErrForbidden)
	}

	now := r.now().Unix()
	dev := Device{
		DeviceID:   deviceID,
		Owner:      principal,
		Name:       name,
		Status:     StatusOnline,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if ok {
		dev.CreatedAt = existing.CreatedAt
	}

	err = r.Store.Update(ctx, devicesPath+"/"+deviceID, map[string]any{
		"owner_principal": dev.Owner,
		"name":            dev.Name,
		"status":          dev.Status,
		"last_seen_at":    dev.LastSeenAt,
		"created_at":      dev.CreatedAt,
	})
	if err != nil {
		return Device{}, err
	}
	return dev, nil
}

// SetStatus records the device's current status and bumps last_seen_at.
// The device must already be registered: a blind merge would fabricate an
// ownerless record. Ownership is not checked here; only the route layer
// authorizes actions against foreign devices.
func (r *Registry) SetStatus(ctx context.Context, deviceID string, status Status) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device_id required", fault.ErrBadRequest)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: invalid status %q", fault.ErrBadRequest, status)
	}
	_, ok, err := r.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown device %q", fault.ErrNotFound, deviceID)
	}
	return r.Store.Update(ctx, devicesPath+"/"+deviceID, map[string]any{
		"status":       status,
		"last_seen_at": r.now().Unix(),
	})
}

func (r *Registry) Get(ctx context.Context, deviceID string) (Device, bool, error) {
	raw, err := r.Store.Get(ctx, devicesPath+"/"+deviceID)
	if err != nil {
		return Device{}, false, err
	}
	if raw == nil {
		return Device{}, false, nil
	}
	var dev Device
	if err := json.Unmarshal(raw, &dev); err != nil {
		return Device{}, false, fmt.Errorf("decode device %q: %w", deviceID, err)
	}
	dev.DeviceID = deviceID
	return dev, true, nil
}

// List returns all devices owned by principal, ordered by device id.
func (r *Registry) List(ctx context.Context, principal string) ([]Device, error) {
	raw, err := r.Store.Get(ctx, devicesPath)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var all map[string]Device
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}

	out := make([]Device, 0, len(all))
	for id, dev := range all {
		if dev.Owner != principal {
			continue
		}
		dev.DeviceID = id
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// ListIdle returns principal's idle devices, excluding excludeDeviceID.
func (r *Registry) ListIdle(ctx context.Context, principal, excludeDeviceID string) ([]Device, error) {
	all, err := r.List(ctx, principal)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(all))
	for _, dev := range all {
		if dev.DeviceID == excludeDeviceID {
			continue
		}
		if dev.Status != StatusIdle {
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}

// PickIdle selects the most recently seen idle device, or NotFound when the
// fleet has none available.
func (r *Registry) PickIdle(ctx context.Context, principal, excludeDeviceID string) (Device, error) {
	idle, err := r.ListIdle(ctx, principal, excludeDeviceID)
	if err != nil {
		return Device{}, err
	}
	if len(idle) == 0 {
		return Device{}, fmt.Errorf("%w: no idle device available", fault.ErrNotFound)
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastSeenAt > idle[j].LastSeenAt })
	return idle[0], nil
}
