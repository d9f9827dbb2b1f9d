package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/centraal-api/clientflow/internal/pkg/logger"
)

// Timeouts for the two destination calls. Token endpoints answer fast;
// data endpoints may run server-side logic.
const (
	tokenTimeout = 30 * time.Second
	dataTimeout  = 300 * time.Second
)

// defaultTokenTTL is assumed when the token endpoint omits expires_in.
const defaultTokenTTL = 1800 * time.Second

// OAuthConfig holds the password-grant credentials for a destination.
// APIURL is the destination's base URL; TokenResource is the token
// endpoint's path under it, and each rule addresses its own resource path.
// When UseURLParamsForAuth is set the grant fields travel as URL query
// parameters instead of a form body; some legacy gateways require this.
type OAuthConfig struct {
	ClientID            string
	ClientSecret        string
	Username            string
	Password            string
	TokenResource       string
	APIURL              string
	UseURLParamsForAuth bool
}

// OAuthToken is the token endpoint's response. Providers disagree on field
// shapes: issued_at arrives as a string from some and a number from
// others, and expires_in is frequently absent.
type OAuthToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	InstanceURL string `json:"instance_url,omitempty"`
	ID          string `json:"id,omitempty"`
	Signature   string `json:"signature,omitempty"`
	IssuedAt    int64  `json:"issued_at,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`

	obtained time.Time
}

// UnmarshalJSON coerces string-typed issued_at and expires_in values.
func (t *OAuthToken) UnmarshalJSON(data []byte) error {
	var raw struct {
		AccessToken string          `json:"access_token"`
		TokenType   string          `json:"token_type"`
		InstanceURL string          `json:"instance_url"`
		ID          string          `json:"id"`
		Signature   string          `json:"signature"`
		IssuedAt    json.RawMessage `json:"issued_at"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.AccessToken = raw.AccessToken
	t.TokenType = raw.TokenType
	t.InstanceURL = raw.InstanceURL
	t.ID = raw.ID
	t.Signature = raw.Signature

	var err error
	if t.IssuedAt, err = coerceInt(raw.IssuedAt); err != nil {
		return fmt.Errorf("issued_at: %w", err)
	}
	if t.ExpiresIn, err = coerceInt(raw.ExpiresIn); err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	return nil
}

func coerceInt(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	s := strings.Trim(string(raw), `"`)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// expired reports whether the token has passed its lifetime, with a
// one-minute safety margin.
func (t *OAuthToken) expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	ttl := time.Duration(t.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return now.After(t.obtained.Add(ttl - time.Minute))
}

// MappingFunc transforms a unified record into the destination payload.
// Returning nil means the record is not relevant to this destination; the
// attempt is audited as an ignored success without calling the API.
type MappingFunc func(record any) (map[string]any, error)

// ResponseProcessor turns the destination's raw success response into the
// audited response value.
type ResponseProcessor func(statusCode int, body []byte) (any, error)

// RESTIntegration is a Strategy that posts mapped payloads to an
// OAuth-protected REST endpoint. Safe for concurrent use; the token is
// cached and refreshed under a single-flight lock.
type RESTIntegration struct {
	config   OAuthConfig
	resource string
	mapping  MappingFunc
	method   string
	process  ResponseProcessor
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger

	mu        sync.RWMutex
	refreshMu sync.Mutex
	token     *OAuthToken
}

// RESTOption configures a RESTIntegration.
type RESTOption func(*RESTIntegration)

// WithMethod overrides the HTTP method for the data call (default POST).
func WithMethod(method string) RESTOption {
	return func(r *RESTIntegration) { r.method = method }
}

// WithResponseProcessor overrides how success responses are interpreted.
func WithResponseProcessor(p ResponseProcessor) RESTOption {
	return func(r *RESTIntegration) { r.process = p }
}

// WithHTTPClient overrides the HTTP client used for data calls.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *RESTIntegration) { r.client = c }
}

// WithCircuitBreaker wraps data calls in a circuit breaker so a dead
// destination fails fast instead of burning the retry budget.
func WithCircuitBreaker(settings gobreaker.Settings) RESTOption {
	return func(r *RESTIntegration) {
		r.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithRESTLogger overrides the integration's logger.
func WithRESTLogger(log *zap.Logger) RESTOption {
	return func(r *RESTIntegration) { r.log = log }
}

// NewRESTIntegration creates the REST delivery strategy for one resource
// path under the destination's base URL.
func NewRESTIntegration(config OAuthConfig, resource string, mapping MappingFunc, opts ...RESTOption) *RESTIntegration {
	r := &RESTIntegration{
		config:   config,
		resource: resource,
		mapping:  mapping,
		method:   http.MethodPost,
		process:  parseJSONResponse,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: dataTimeout}
	}
	if r.log == nil {
		r.log = logger.With(zap.String("component", "rest_integration"))
	}
	return r
}

func parseJSONResponse(statusCode int, body []byte) (any, error) {
	if len(body) == 0 {
		return map[string]any{"status_code": statusCode}, nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return map[string]any{"status_code": statusCode, "body": string(body)}, nil
	}
	return parsed, nil
}

// Integrate maps the record and posts it to the destination. A nil mapping
// output short-circuits to an ignored success. 401/403 responses trigger a
// one-shot token refresh and replay before the error is surfaced.
func (r *RESTIntegration) Integrate(ctx context.Context, record any) (IntegrationResult, error) {
	payload, err := r.mapping(record)
	if err != nil {
		return IntegrationResult{}, err
	}
	if payload == nil {
		return IntegrationResult{
			Success:  true,
			Response: map[string]any{"ignored": "record not relevant for this destination"},
			BodySent: map[string]any{"ignored": true},
		}, nil
	}
	payload = elideNulls(payload)

	resp, err := r.call(ctx, payload, true)
	if err != nil {
		return IntegrationResult{}, err
	}
	return IntegrationResult{Success: true, Response: resp, BodySent: payload}, nil
}

// call performs one authenticated data request. allowReauth permits a
// single token refresh on 401/403.
func (r *RESTIntegration) call(ctx context.Context, payload map[string]any, allowReauth bool) (any, error) {
	token, err := r.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	do := func() (any, error) { return r.doRequest(ctx, token, payload) }
	var resp any
	if r.breaker != nil {
		var out interface{}
		out, err = r.breaker.Execute(func() (interface{}, error) { return do() })
		resp = out
	} else {
		resp, err = do()
	}

	if err != nil {
		if herr, ok := err.(*HTTPStatusError); ok && allowReauth &&
			(herr.StatusCode == http.StatusUnauthorized || herr.StatusCode == http.StatusForbidden) {
			r.log.Warn("Destination rejected token, re-authenticating",
				zap.Int("status", herr.StatusCode),
			)
			r.invalidateToken(token)
			return r.call(ctx, payload, false)
		}
		return nil, err
	}
	return resp, nil
}

func (r *RESTIntegration) doRequest(ctx context.Context, token *OAuthToken, payload map[string]any) (any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, joinURL(r.config.APIURL, r.resource), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBody),
		}
	}
	return r.process(resp.StatusCode, respBody)
}

// currentToken returns the cached token, refreshing it single-flight when
// missing or expired.
func (r *RESTIntegration) currentToken(ctx context.Context) (*OAuthToken, error) {
	r.mu.RLock()
	token := r.token
	r.mu.RUnlock()
	if !token.expired(time.Now()) {
		return token, nil
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	r.mu.RLock()
	token = r.token
	r.mu.RUnlock()
	if !token.expired(time.Now()) {
		return token, nil
	}

	fresh, err := r.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.token = fresh
	r.mu.Unlock()
	return fresh, nil
}

// invalidateToken drops the cached token if it is still the rejected one.
func (r *RESTIntegration) invalidateToken(rejected *OAuthToken) {
	r.mu.Lock()
	if r.token == rejected {
		r.token = nil
	}
	r.mu.Unlock()
}

// authenticate performs the password-grant token request.
func (r *RESTIntegration) authenticate(ctx context.Context) (*OAuthToken, error) {
	grant := url.Values{
		"grant_type":    {"password"},
		"client_id":     {r.config.ClientID},
		"client_secret": {r.config.ClientSecret},
		"username":      {r.config.Username},
		"password":      {r.config.Password},
	}

	tokenURL := joinURL(r.config.APIURL, r.config.TokenResource)
	var req *http.Request
	var err error
	if r.config.UseURLParamsForAuth {
		endpoint := tokenURL
		if strings.Contains(endpoint, "?") {
			endpoint += "&" + grant.Encode()
		} else {
			endpoint += "?" + grant.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
			strings.NewReader(grant.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: tokenTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	token := &OAuthToken{}
	if err := json.Unmarshal(body, token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	token.obtained = time.Now()
	r.log.Info("Authenticated against destination",
		zap.String("token_resource", r.config.TokenResource),
	)
	return token, nil
}

// joinURL appends a resource path to the base URL. An empty resource
// addresses the base itself.
func joinURL(base, resource string) string {
	if resource == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(resource, "/")
}

// elideNulls drops nil-valued keys so destinations never receive explicit
// JSON nulls.
func elideNulls(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			out[k] = elideNulls(m)
			continue
		}
		out[k] = v
	}
	return out
}
