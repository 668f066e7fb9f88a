package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"tidbyt.dev/bustime/downloader"
)

const (
	DefaultWhereURL = "https://bustime.mta.info/api/where"
	DefaultSiriURL  = "https://bustime.mta.info/api/siri"
	DefaultTimeout  = 10 * time.Second

	EndpointStopsForLocation = "stops-for-location"
	EndpointStopMonitoring   = "stop-monitoring"
	EndpointStopsForRoute    = "stops-for-route"
)

// Client for a OneBusAway/SIRI style bus feed. Implements
// StopLocator, ArrivalFetcher and RouteStopsSource.
type Client struct {
	APIKey   string
	WhereURL string
	SiriURL  string

	// Upper bound on each outbound call.
	Timeout time.Duration

	Downloader downloader.Downloader
	Metrics    Metrics
	Logger     *slog.Logger
	TimeNow    func() time.Time
}

func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:     apiKey,
		WhereURL:   DefaultWhereURL,
		SiriURL:    DefaultSiriURL,
		Timeout:    DefaultTimeout,
		Downloader: downloader.HTTP{},
		Logger:     slog.Default(),
		TimeNow:    time.Now,
	}
}

// Returns ErrMissingAPIKey if no key is configured.
func (c *Client) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func (c *Client) buildURL(base string, path string, params url.Values) string {
	params.Set("key", c.APIKey)
	return strings.TrimRight(base, "/") + "/" + path + "?" + params.Encode()
}

// Downloads u and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, endpoint string, u string, v interface{}) error {
	if err := c.Validate(); err != nil {
		return err
	}

	start := c.TimeNow()
	err := c.doGetJSON(ctx, u, v)
	elapsed := c.TimeNow().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if c.Metrics != nil {
		c.Metrics.ObserveUpstream(endpoint, outcome, elapsed)
	}
	c.Logger.Debug("upstream call", "endpoint", endpoint, "outcome", outcome, "duration", elapsed)

	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) doGetJSON(ctx context.Context, u string, v interface{}) error {
	body, err := c.Downloader.Get(
		ctx,
		u,
		map[string]string{"Accept": "application/json"},
		downloader.GetOptions{Timeout: c.Timeout},
	)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}

	err = json.Unmarshal(body, v)
	if err != nil {
		return fmt.Errorf("decoding: %w", err)
	}

	return nil
}

var (
	_ StopLocator      = (*Client)(nil)
	_ ArrivalFetcher   = (*Client)(nil)
	_ RouteStopsSource = (*Client)(nil)
)
