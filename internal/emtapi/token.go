package emtapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const (
	loginPath          = "/v1/mobilitylabs/user/login/"
	headerClientID     = "X-ClientId"
	headerPassKey      = "passKey"
	DefaultTokenMargin = 60 * time.Second
)

// TokenState describes the access token lifecycle
type TokenState int

const (
	NoToken TokenState = iota
	TokenValid
	TokenExpiringSoon
	TokenInvalid
)

func (s TokenState) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenExpiringSoon:
		return "expiring_soon"
	case TokenInvalid:
		return "invalid"
	default:
		return "no_token"
	}
}

// Token is a MobilityLabs access token
type Token struct {
	Value     string
	ExpiresAt time.Time
}

type Credentials struct {
	ClientID string
	PassKey  string
}

type loginResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Data        []struct {
		AccessToken        string `json:"accessToken"`
		TokenSecExpiration int64  `json:"tokenSecExpiration"`
	} `json:"data"`
}

// TokenManager obtains and caches the access token. Logins are serialised so
// concurrent callers under expiry share a single login request.
type TokenManager struct {
	client   *http.Client
	loginURL string
	creds    Credentials
	margin   time.Duration
	clock    backoff.Clock
	logger   logger.Logger

	mu          sync.Mutex
	token       *Token
	invalidated bool
}

func NewTokenManager(client *http.Client, baseURL string, creds Credentials, margin time.Duration, clock backoff.Clock, log logger.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if margin <= 0 {
		margin = DefaultTokenMargin
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	if log == nil {
		log = logger.Nop()
	}
	return &TokenManager{
		client:   client,
		loginURL: strings.TrimRight(baseURL, "/") + loginPath,
		creds:    creds,
		margin:   margin,
		clock:    clock,
		logger:   log,
	}
}

// Token returns a token that stays valid for at least the refresh margin,
// logging in when needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stateLocked() == TokenValid {
		return m.token.Value, nil
	}

	tok, err := m.loginLocked(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Login performs a login regardless of the current token state
func (m *TokenManager) Login(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

// Invalidate drops the current token so the next Token call logs in again
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil {
		m.logger.Info("Access token invalidated")
	}
	m.token = nil
	m.invalidated = true
}

// State reports where the token is in its lifecycle
func (m *TokenManager) State() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Set installs a token directly
func (m *TokenManager) Set(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = &tok
	m.invalidated = false
}

func (m *TokenManager) stateLocked() TokenState {
	if m.token == nil {
		if m.invalidated {
			return TokenInvalid
		}
		return NoToken
	}
	if m.clock.Now().Before(m.token.ExpiresAt.Add(-m.margin)) {
		return TokenValid
	}
	return TokenExpiringSoon
}

// loginLocked leaves the stored token untouched on failure
func (m *TokenManager) loginLocked(ctx context.Context) (Token, error) {
	m.logger.Debug("Logging in to MobilityLabs", "url", m.loginURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.loginURL, nil)
	if err != nil {
		return Token{}, fmt.Errorf("%w: creating login request: %v", models.ErrAuthenticationFailed, err)
	}
	req.Header.Set(headerClientID, m.creds.ClientID)
	req.Header.Set(headerPassKey, m.creds.PassKey)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Error("Login request failed", "error", err)
		return Token{}, fmt.Errorf("%w: %v", models.ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("%w: reading login response: %v", models.ErrAuthenticationFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		m.logger.Error("Login returned error status",
			"status_code", resp.StatusCode,
			"response_body", string(body))
		return Token{}, fmt.Errorf("%w: login returned status %d", models.ErrAuthenticationFailed, resp.StatusCode)
	}

	var result loginResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Token{}, fmt.Errorf("%w: decoding login response: %v", models.ErrAuthenticationFailed, err)
	}

	if !isLoginSuccess(result.Code) || len(result.Data) == 0 || result.Data[0].AccessToken == "" {
		m.logger.Error("Login rejected",
			"code", result.Code,
			"description", result.Description,
			"records", len(result.Data))
		return Token{}, fmt.Errorf("%w: code %q: %s", models.ErrAuthenticationFailed, result.Code, result.Description)
	}

	lifetime := time.Duration(result.Data[0].TokenSecExpiration) * time.Second
	tok := Token{
		Value:     result.Data[0].AccessToken,
		ExpiresAt: m.clock.Now().Add(lifetime),
	}
	m.token = &tok
	m.invalidated = false

	m.logger.Info("Logged in to MobilityLabs", "expires_at", tok.ExpiresAt)
	return tok, nil
}

// "00" is a fresh login, "01" returns the still-valid token of an earlier login
func isLoginSuccess(code string) bool {
	return code == "00" || code == "01"
}
