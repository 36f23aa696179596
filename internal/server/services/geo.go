package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kamikazebr/luna-auth/pkg/utils"
	"github.com/tidwall/gjson"
)

type GeoLocation struct {
	CountryCode string
	Country     string
}

// GeoLocator resolves an IP address to a country. (nil, nil) means unknown.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (*GeoLocation, error)
}

// IPAPILocator queries ip-api.com style endpoints: GET {baseURL}{ip}.
type IPAPILocator struct {
	baseURL string
	client  *http.Client
}

func NewIPAPILocator(baseURL string, timeout time.Duration) *IPAPILocator {
	if baseURL == "" {
		baseURL = "http://ip-api.com/json/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &IPAPILocator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (l *IPAPILocator) Locate(ctx context.Context, ip string) (*GeoLocation, error) {
	if utils.IsPrivateIP(ip) {
		return nil, nil
	}

	endpoint := l.baseURL + url.PathEscape(ip) + "?fields=status,message,country,countryCode"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read geo response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("geo lookup returned invalid JSON")
	}

	result := gjson.ParseBytes(body)
	if result.Get("status").String() != "success" {
		return nil, fmt.Errorf("geo lookup failed: %s", result.Get("message").String())
	}

	loc := &GeoLocation{
		CountryCode: result.Get("countryCode").String(),
		Country:     result.Get("country").String(),
	}
	if loc.CountryCode == "" {
		return nil, nil
	}
	return loc, nil
}
