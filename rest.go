package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultRESTTimeout bounds a single history page fetch.
const DefaultRESTTimeout = 30 * time.Second

// ============================================================================
// REST Client
// ============================================================================

// RESTClient talks to the chat backend's paginated history endpoint. Send
// confirmations never travel over REST; they arrive on the Transport.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// RESTOption customizes a RESTClient.
type RESTOption func(*RESTClient)

// WithRESTToken sets the bearer token attached to every request.
func WithRESTToken(token string) RESTOption {
	return func(c *RESTClient) { c.token = token }
}

// WithRESTHTTPClient replaces the underlying HTTP client.
func WithRESTHTTPClient(client *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = client }
}

// WithRESTTimeout sets the per-request timeout.
func WithRESTTimeout(timeout time.Duration) RESTOption {
	return func(c *RESTClient) { c.httpClient.Timeout = timeout }
}

// WithRESTLogger attaches a logger; the default is a nop.
func WithRESTLogger(logger *zap.Logger) RESTOption {
	return func(c *RESTClient) { c.logger = logger }
}

// NewRESTClient creates a client for the given base URL.
func NewRESTClient(baseURL string, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultRESTTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wire shapes for the history endpoint.
type historyEnvelope struct {
	Data []InboundMessagePayload `json:"data"`
	Meta historyMeta             `json:"meta"`
}

type historyMeta struct {
	Page     int `json:"page"`
	LastPage int `json:"lastPage"`
}

// FetchMessages retrieves one page of persisted messages in server order.
func (c *RESTClient) FetchMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	query := url.Values{}
	query.Set("page", fmt.Sprintf("%d", page))
	query.Set("limit", fmt.Sprintf("%d", limit))

	data, err := c.doRequest(ctx, http.MethodGet,
		"/api/conversations/"+url.PathEscape(conversationID)+"/messages", query)
	if err != nil {
		return nil, err
	}

	var env historyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}

	items := make([]Message, 0, len(env.Data))
	for _, p := range env.Data {
		m := p.Message()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		items = append(items, m)
	}

	c.logger.Debug("fetched history page",
		zap.String("conversation", conversationID),
		zap.Int("page", env.Meta.Page),
		zap.Int("count", len(items)))

	return &MessagePage{Items: items, Page: env.Meta.Page, LastPage: env.Meta.LastPage}, nil
}

func (c *RESTClient) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}
