// Package source fetches raw contact payloads, either from the
// upstream HTTP endpoint or from a directory of payload files.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxPayloadBytes bounds how much of a payload is read into
// memory.
const maxPayloadBytes = 64 << 20

// ErrNotFound is returned when no payload exists for a request.
var ErrNotFound = errors.New("payload not found")

// Request identifies one payload: a team and whether follow
// events are included.
type Request struct {
	Team             string
	IncludeFollowing bool
}

func (r Request) String() string {
	if r.IncludeFollowing {
		return r.Team + "+following"
	}
	return r.Team
}

// Source fetches raw payload documents.
type Source interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// HTTPSource fetches payloads from the upstream analytics API
// with GET <baseURL>?team=<team>&include_following=<0|1>.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for baseURL. A zero timeout
// means 30 seconds.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// StatusError reports a non-200 upstream response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "upstream returned " + e.Status
}

// Fetch retrieves the payload for req.
func (s *HTTPSource) Fetch(
	ctx context.Context, req Request,
) ([]byte, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing source url: %w", err)
	}
	q := u.Query()
	q.Set("team", req.Team)
	following := "0"
	if req.IncludeFollowing {
		following = "1"
	}
	q.Set("include_following", following)
	u.RawQuery = q.Encode()

	hreq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, u.String(), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("User-Agent", "contactpulse")

	resp, err := s.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetching %s: %w", req, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching %s: %w", req, &StatusError{
			Code: resp.StatusCode, Status: resp.Status,
		})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req, err)
	}
	if len(data) > maxPayloadBytes {
		return nil, fmt.Errorf(
			"payload for %s exceeds %d bytes", req, maxPayloadBytes,
		)
	}
	return data, nil
}

const (
	payloadExt      = ".json"
	followingSuffix = ".following"
)

// DirSource serves payloads from files named <team>.json and
// <team>.following.json inside a directory.
type DirSource struct {
	dir string
}

// NewDirSource creates a source reading from dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Dir returns the directory the source reads from.
func (s *DirSource) Dir() string {
	return s.dir
}

// PathFor returns the payload file path for req.
func (s *DirSource) PathFor(req Request) (string, error) {
	if req.Team == "" || req.Team != filepath.Base(req.Team) ||
		strings.HasPrefix(req.Team, ".") {
		return "", fmt.Errorf("invalid team name %q", req.Team)
	}
	name := req.Team
	if req.IncludeFollowing {
		name += followingSuffix
	}
	return filepath.Join(s.dir, name+payloadExt), nil
}

// RequestForPath maps a payload file path back to the request it
// serves. It returns false for files that are not payloads.
func (s *DirSource) RequestForPath(path string) (Request, bool) {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(s.dir) {
		return Request{}, false
	}
	name, ok := strings.CutSuffix(filepath.Base(path), payloadExt)
	if !ok || name == "" || strings.HasPrefix(name, ".") {
		return Request{}, false
	}
	if team, ok := strings.CutSuffix(name, followingSuffix); ok {
		if team == "" {
			return Request{}, false
		}
		return Request{Team: team, IncludeFollowing: true}, true
	}
	return Request{Team: name}, true
}

// Fetch reads the payload file for req.
func (s *DirSource) Fetch(
	ctx context.Context, req Request,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.PathFor(req)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", req, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", req, err)
	}
	return data, nil
}
