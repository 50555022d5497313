package remote

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
)

// SSOAPIKeyHeader carries the API key of the user-pull endpoint.
const SSOAPIKeyHeader = "X-SSO-API-KEY"

// Remote resource paths, relative to each service's base URL.
const (
	activitiesPath = "/api/v1/activities/"
	contextsPath   = "/api/v1/contexts/"
	attendancePath = "/api/v1/checkin/"
	metaModelPath  = "/api/v1/model/%s/"
	pushUserPath   = "/api/push-user-to-uploads/"
	policyPath     = "/api/v1/casbin/"
)

// Labs serves the activity → run → event → block → result feed.
type Labs struct {
	c *Client
}

// NewLabs wraps a Client pointed at the labs service.
func NewLabs(c *Client) *Labs {
	return &Labs{c: c}
}

// Activities lazily yields activity pages.
func (l *Labs) Activities(ctx context.Context) iter.Seq2[[]Activity, error] {
	return Pages[Activity](ctx, l.c, activitiesPath)
}

// XLE serves attendance/check-in records.
type XLE struct {
	c *Client
}

// NewXLE wraps a Client pointed at the attendance service.
func NewXLE(c *Client) *XLE {
	return &XLE{c: c}
}

// Attendance lazily yields attendance pages.
func (x *XLE) Attendance(ctx context.Context) iter.Seq2[[]AttendanceEntry, error] {
	return Pages[AttendanceEntry](ctx, x.c, attendancePath)
}

// DP serves metamodel metadata.
type DP struct {
	c *Client
}

// NewDP wraps a Client pointed at the metamodel service.
func NewDP(c *Client) *DP {
	return &DP{c: c}
}

// MetaModel looks up one metamodel. A response without both title and guid
// is treated as malformed.
func (d *DP) MetaModel(ctx context.Context, uuid string) (*MetaModel, error) {
	path := fmt.Sprintf(metaModelPath, url.PathEscape(uuid))

	var mm struct {
		Title *string `json:"title"`
		GUID  *string `json:"guid"`
	}

	if err := d.c.getJSON(ctx, path, &mm); err != nil {
		return nil, err
	}

	if mm.Title == nil || mm.GUID == nil {
		return nil, &APIError{
			Method: http.MethodGet,
			URL:    d.c.resolveURL(path),
			Reason: "metamodel response lacks title or guid",
			Err:    ErrMalformed,
		}
	}

	return &MetaModel{Title: *mm.Title, GUID: *mm.GUID}, nil
}

// SSO serves contexts, user pushes, and the access-policy snapshot.
type SSO struct {
	c      *Client
	push   *Client // API-key authenticated client for the user-pull endpoint
	logger *slog.Logger
}

// NewSSO wraps the feed client and the API-key client of the SSO service.
func NewSSO(feed, push *Client, logger *slog.Logger) *SSO {
	if logger == nil {
		logger = slog.Default()
	}

	return &SSO{c: feed, push: push, logger: logger}
}

// Contexts lazily yields context pages, ordered parent-before-child by the
// remote.
func (s *SSO) Contexts(ctx context.Context) iter.Seq2[[]Context, error] {
	return Pages[Context](ctx, s.c, contextsPath)
}

// PushUser asks SSO to push the user with the given external id into the
// portal. Returns the parsed response; an unsuccessful status is an
// *APIError.
func (s *SSO) PushUser(ctx context.Context, untiID int64) (*PushResult, error) {
	var res PushResult
	if err := s.push.postJSON(ctx, pushUserPath, map[string]int64{"unti_id": untiID}, &res); err != nil {
		return nil, err
	}

	if !res.OK() {
		s.logger.Warn("user push rejected", slog.Int64("unti_id", untiID))

		return nil, &APIError{
			Method: http.MethodPost,
			URL:    s.push.resolveURL(pushUserPath),
			Reason: "user push returned no status",
			Err:    ErrMalformed,
		}
	}

	return &res, nil
}

// Policy fetches the current access-policy snapshot.
func (s *SSO) Policy(ctx context.Context) (*Policy, error) {
	var p Policy
	if err := s.c.getJSON(ctx, policyPath, &p); err != nil {
		return nil, err
	}

	return &p, nil
}
