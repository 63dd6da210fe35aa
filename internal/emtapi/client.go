package emtapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/httpx"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const (
	arrivesPathFormat  = "/v2/transport/busemtmad/stops/%s/arrives/"
	headerAccessToken  = "accessToken"
	DefaultMaxAttempts = 3
)

type arrivesRequest struct {
	CultureInfo         string `json:"cultureInfo"`
	StopRequired        string `json:"Text_StopRequired_YN"`
	EstimationsRequired string `json:"Text_EstimationsRequired_YN"`
	IsolineRequired     string `json:"Text_IsolineRequired_YN"`
}

var defaultArrivesRequest = arrivesRequest{
	CultureInfo:         "ES",
	StopRequired:        "Y",
	EstimationsRequired: "Y",
	IsolineRequired:     "N",
}

// Client fetches arrivals from the MobilityLabs API
type Client struct {
	baseURL     string
	tokens      *TokenManager
	exec        *httpx.Executor
	maxAttempts int
	clock       backoff.Clock
	logger      logger.Logger
}

func NewClient(baseURL string, tokens *TokenManager, exec *httpx.Executor, maxAttempts int, clock backoff.Clock, log logger.Logger) *Client {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tokens:      tokens,
		exec:        exec,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      log,
	}
}

// Arrivals returns the arrival board of a stop. A 401 drops the cached token
// so the next attempt logs in again.
func (c *Client) Arrivals(ctx context.Context, stopID string) (*models.ArrivalSnapshot, error) {
	url := c.baseURL + fmt.Sprintf(arrivesPathFormat, stopID)

	payload, err := json.Marshal(defaultArrivesRequest)
	if err != nil {
		return nil, fmt.Errorf("encoding arrivals request: %w", err)
	}

	resp, err := c.exec.Do(ctx, httpx.Call{
		Name:        "emtapi.arrivals",
		MaxAttempts: c.maxAttempts,
		Build: func(ctx context.Context) (*http.Request, error) {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set(headerAccessToken, token)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			return req, nil
		},
		OnUnauthorized: c.tokens.Invalidate,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching arrivals: %w", err)
	}

	snap, err := Normalize(resp.Body, stopID, c.clock.Now())
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Arrivals fetched from API", "stop_id", stopID, "arrivals", len(snap.Arrivals))
	return snap, nil
}
