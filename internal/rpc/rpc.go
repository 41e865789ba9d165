// Package rpc implements the shared-account request/response queue: portal
// admission (secret + app allow-list + presence liveness), call_id
// correlation with a bounded wait, and the consumer side (read, respond,
// ack). Unlike routes, this path is keyed by principal and call_id rather
// than device, and an entry is retired by an explicit ack delete.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ThomasVuNguyen/village/internal/fault"
	"github.com/ThomasVuNguyen/village/internal/identity"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

// Credential is the stored admission record for a shared-account principal.
// An empty AppAllowlist permits every app.
type Credential struct {
	PasswordHash string   `json:"password_hash"`
	AppAllowlist []string `json:"app_allowlist"`
}

// CredentialSource resolves a principal's stored credential. The hub backs
// this with its credentials file; tests use StaticCredentials.
type CredentialSource interface {
	Lookup(ctx context.Context, principal string) (Credential, bool, error)
}

type StaticCredentials map[string]Credential

func (s StaticCredentials) Lookup(_ context.Context, principal string) (Credential, bool, error) {
	c, ok := s[principal]
	return c, ok, nil
}

type Request struct {
	Principal string          `json:"principal"`
	App       string          `json:"app"`
	Args      json.RawMessage `json:"args,omitempty"`
	CallID    string          `json:"call_id"`
	TS        int64           `json:"ts"`
}

type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	TS     int64           `json:"ts"`
}

type Presence struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// PortalResult is either a correlated response (Response != nil) or a queued
// acknowledgement carrying the call id for out-of-band retrieval.
type PortalResult struct {
	CallID   string
	Queued   bool
	Response *Response
}

const (
	presencePath  = "presence"
	requestsPath  = "requests"
	responsesPath = "responses"

	// PresenceMaxAge is the liveness window for portal admission: a
	// principal with no heartbeat this recent cannot receive requests.
	PresenceMaxAge = 60 * time.Second

	portalWait         = 25 * time.Second
	portalPollInterval = time.Second
)

type Queue struct {
	Store tree.Store
	Creds CredentialSource
	Now   func() time.Time
}

func NewQueue(store tree.Store, creds CredentialSource) *Queue {
	return &Queue{Store: store, Creds: creds, Now: time.Now}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Portal admits and enqueues one call, then waits a bounded window for its
// response. A missing callID is generated from the current time in
// milliseconds. Stale responses left over from an earlier use of the same
// call id are deleted and the wait continues.
func (q *Queue) Portal(ctx context.Context, principal, secret, app string, args json.RawMessage, callID string) (PortalResult, error) {
	principal = strings.TrimSpace(principal)
	app = strings.TrimSpace(app)
	if principal == "" || app == "" {
		return PortalResult{}, fmt.Errorf("%w: principal and app required", fault.ErrBadRequest)
	}

	cred, ok, err := q.Creds.Lookup(ctx, principal)
	if err != nil {
		return PortalResult{}, err
	}
	if !ok || !identity.VerifySecret(secret, cred.PasswordHash) {
		return PortalResult{}, fmt.Errorf("%w: unknown principal or bad secret", fault.ErrUnauthorized)
	}
	if !appAllowed(cred.AppAllowlist, app) {
		return PortalResult{}, fmt.Errorf("%w: app %q not in allow-list", fault.ErrForbidden, app)
	}
	if err := q.checkPresence(ctx, principal); err != nil {
		return PortalResult{}, err
	}

	now := q.now()
	if callID == "" {
		callID = strconv.FormatInt(now.UnixMilli(), 10)
	}
	req := Request{
		Principal: principal,
		App:       app,
		Args:      args,
		CallID:    callID,
		TS:        now.Unix(),
	}
	if err := q.Store.Set(ctx, requestsPath+"/"+principal+"/"+callID, req); err != nil {
		return PortalResult{}, err
	}

	resp, ok, err := q.awaitResponse(ctx, principal, callID, req.TS)
	if err != nil {
		return PortalResult{}, err
	}
	if !ok {
		return PortalResult{CallID: callID, Queued: true}, nil
	}
	return PortalResult{CallID: callID, Response: &resp}, nil
}

func (q *Queue) checkPresence(ctx context.Context, principal string) error {
	raw, err := q.Store.Get(ctx, presencePath+"/"+principal)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: principal has no presence record", fault.ErrUnavailable)
	}
	var p Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode presence for %q: %w", principal, err)
	}
	age := q.now().Unix() - p.LastSeen
	if age > int64(PresenceMaxAge/time.Second) {
		return fmt.Errorf("%w: principal last seen %ds ago", fault.ErrUnavailable, age)
	}
	return nil
}

func (q *Queue) awaitResponse(ctx context.Context, principal, callID string, requestTS int64) (Response, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, portalWait)
	defer cancel()

	ticker := time.NewTicker(portalPollInterval)
	defer ticker.Stop()

	path := responsesPath + "/" + principal + "/" + callID
	for {
		raw, err := q.Store.Get(ctx, path)
		if err != nil && ctx.Err() == nil {
			return Response{}, false, err
		}
		if raw != nil {
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				return Response{}, false, fmt.Errorf("decode response for call %q: %w", callID, err)
			}
			if DropStaleResponse(requestTS, resp.TS) {
				// Leftover from an earlier call that reused this id.
				_ = q.Store.Delete(ctx, path)
			} else {
				_ = q.Store.Delete(ctx, path)
				return resp, true, nil
			}
		}
		select {
		case <-ctx.Done():
			return Response{}, false, nil
		case <-ticker.C:
		}
	}
}

// ReadNext returns the oldest queued request for principal whose app
// matches. Call ids are time-ordered strings, so enumeration in key order
// is first-in first-out.
func (q *Queue) ReadNext(ctx context.Context, principal, app string) (Request, bool, error) {
	raw, err := q.Store.Get(ctx, requestsPath+"/"+principal)
	if err != nil {
		return Request{}, false, err
	}
	if raw == nil {
		return Request{}, false, nil
	}
	var entries map[string]Request
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Request{}, false, fmt.Errorf("decode requests for %q: %w", principal, err)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req := entries[k]
		if req.App != app {
			continue
		}
		if req.CallID == "" {
			req.CallID = k
		}
		return req, true, nil
	}
	return Request{}, false, nil
}

// WriteResponse records the consumer's answer for a call. The request entry
// stays queued until Ack deletes it.
func (q *Queue) WriteResponse(ctx context.Context, principal, callID string, result json.RawMessage) error {
	if principal == "" || callID == "" {
		return fmt.Errorf("%w: principal and call_id required", fault.ErrBadRequest)
	}
	resp := Response{Result: result, TS: q.now().Unix()}
	return q.Store.Set(ctx, responsesPath+"/"+principal+"/"+callID, resp)
}

// Ack deletes the request entry unconditionally. This is what stops
// redelivery; a crash between WriteResponse and Ack means the entry may be
// handled again, which callers detect by call_id.
func (q *Queue) Ack(ctx context.Context, principal, callID string) error {
	return q.Store.Delete(ctx, requestsPath+"/"+principal+"/"+callID)
}

// Heartbeat refreshes the principal's presence record.
func (q *Queue) Heartbeat(ctx context.Context, principal string) error {
	p := Presence{Status: "online", LastSeen: q.now().Unix()}
	return q.Store.Set(ctx, presencePath+"/"+principal, p)
}

// DropStaleResponse reports whether a correlated response predates its
// request and must be discarded.
func DropStaleResponse(tsRequest, tsResponse int64) bool {
	return tsResponse < tsRequest
}

func appAllowed(allowlist []string, app string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if a == app {
			return true
		}
	}
	return false
}
