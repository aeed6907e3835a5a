package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/netutil"
)

const defaultLookupTimeout = 2 * time.Second

// lookupResponse mirrors the portal's locateUser result:
// {"status":"ok","geo":{"lat":..,"lon":..}} or {"status":"error","error":".."}.
type lookupResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Geo    *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"geo,omitempty"`
}

// HTTPLocator queries a lookup service at BaseURL?ip=<origin>. Private and
// loopback origins are rejected without a request.
type HTTPLocator struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPLocator returns a locator for baseURL. A non-positive timeout uses
// the default of two seconds.
func NewHTTPLocator(baseURL string, timeout time.Duration) *HTTPLocator {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &HTTPLocator{
		BaseURL: strings.TrimSpace(baseURL),
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPLocator) Locate(ctx context.Context, origin string) (domain.Location, error) {
	if h.BaseURL == "" {
		return domain.Location{}, ErrNotSupported
	}
	ip, err := netutil.PublicOrigin(origin)
	if err != nil {
		return domain.Location{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	u, err := url.Parse(h.BaseURL)
	if err != nil {
		return domain.Location{}, fmt.Errorf("geo lookup url: %w", err)
	}
	q := u.Query()
	q.Set("ip", ip)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.Location{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return domain.Location{}, fmt.Errorf("geo lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domain.Location{}, fmt.Errorf("geo lookup: unexpected status %d", resp.StatusCode)
	}
	var out lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return domain.Location{}, fmt.Errorf("geo lookup decode: %w", err)
	}
	if out.Status != "ok" || out.Geo == nil {
		msg := out.Error
		if msg == "" {
			msg = "status " + out.Status
		}
		return domain.Location{}, fmt.Errorf("geo lookup: %s", msg)
	}
	return domain.Location{Lat: out.Geo.Lat, Lon: out.Geo.Lon}, nil
}
