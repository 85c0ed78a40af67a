// Package canvas is a minimal Canvas LMS REST client covering the course
// and module endpoints the poller needs. It paginates via the Link header
// and maps API failures onto a small error taxonomy callers can branch on.
package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "coursebot/pkg/logx"
)

var (
	// ErrNotFound means the course does not exist or is not visible
	// to the configured token.
	ErrNotFound = errors.New("canvas: not found")
	// ErrUnauthorized means the access token was rejected. Tracking for
	// the affected course should be dropped.
	ErrUnauthorized = errors.New("canvas: unauthorized")
)

// APIError carries the HTTP status of a non-2xx Canvas response that did
// not map to a sentinel error.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("canvas: http %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("canvas: http %d", e.Status)
}

type Course struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CourseCode string `json:"course_code"`
}

type Module struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	Position int          `json:"position"`
	Items    []ModuleItem `json:"items"`
}

type ModuleItem struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Position int    `json:"position"`
	HTMLURL  string `json:"html_url"`
}

type Config struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	RatePerSec     float64
	IncludeItems   bool
	MaxPageSize    int
}

type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("canvas: base_url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("canvas: token is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("canvas: invalid base_url %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > 100 {
		cfg.MaxPageSize = 100
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Client{
		cfg:     cfg,
		base:    u,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		log:     log,
	}, nil
}

// GetCourse fetches a single course, primarily to validate that the id
// exists and the token can see it before tracking is enabled.
func (c *Client) GetCourse(ctx context.Context, courseID int64) (Course, error) {
	var out Course
	path := "/api/v1/courses/" + strconv.FormatInt(courseID, 10)
	body, _, err := c.get(ctx, path, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("canvas: decode course: %w", err)
	}
	return out, nil
}

// ListModules fetches every module of a course, following Link-header
// pagination. When the client was configured with IncludeItems the
// module items come back inline.
func (c *Client) ListModules(ctx context.Context, courseID int64) ([]Module, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.cfg.MaxPageSize))
	if c.cfg.IncludeItems {
		q.Add("include[]", "items")
	}

	next := "/api/v1/courses/" + strconv.FormatInt(courseID, 10) + "/modules?" + q.Encode()
	var all []Module
	for next != "" {
		body, hdr, err := c.get(ctx, next, nil)
		if err != nil {
			return nil, err
		}
		var page []Module
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("canvas: decode modules: %w", err)
		}
		all = append(all, page...)
		next = nextLink(hdr.Get("Link"))
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, pathAndQuery string, extra url.Values) ([]byte, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	var target string
	if strings.HasPrefix(pathAndQuery, "http://") || strings.HasPrefix(pathAndQuery, "https://") {
		target = pathAndQuery // absolute next-page URL from the Link header
	} else {
		target = c.base.String() + pathAndQuery
	}
	if len(extra) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + extra.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.Token))
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}

	switch {
	case resp.StatusCode/100 == 2:
		return body, resp.Header, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, fmt.Errorf("%w (http %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, ErrNotFound
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, nil, &APIError{Status: resp.StatusCode, Body: msg}
	}
}

var linkRelNext = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="next"`)

// nextLink extracts the rel="next" URL from a Canvas Link header, or ""
// when the current page is the last one.
func nextLink(header string) string {
	if header == "" {
		return ""
	}
	m := linkRelNext.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}
