package strategies

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

const userAgent = "ipvs-agent"

type HTTPSettings struct {
	Scheme  string
	Path    string
	Timeout time.Duration
}

type HTTPStrategy struct {
	client *http.Client
	url    string
}

func NewHTTPStrategy(target netip.AddrPort, settings HTTPSettings) (*HTTPStrategy, error) {
	if settings.Scheme == "" {
		settings.Scheme = "http"
	}
	if settings.Scheme != "http" && settings.Scheme != "https" {
		return nil, fmt.Errorf("unsupported http check scheme %q", settings.Scheme)
	}
	if settings.Path == "" {
		settings.Path = "/"
	}
	if settings.Timeout == 0 {
		settings.Timeout = defaultTimeout
	}
	targetURL := url.URL{
		Scheme: settings.Scheme,
		Host:   target.String(),
		Path:   settings.Path,
	}
	transport := &http.Transport{
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: settings.Timeout,
	}
	return &HTTPStrategy{
		client: &http.Client{
			Timeout:   settings.Timeout,
			Transport: transport,
		},
		url: targetURL.String(),
	}, nil
}

func (tc *HTTPStrategy) DoHealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := tc.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("request do error: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return true, nil
	}
	log.Debug().Msgf("[http-hc]: %s answered with status code %d", tc.url, resp.StatusCode)
	return false, nil
}
