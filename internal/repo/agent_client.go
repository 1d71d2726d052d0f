package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/mirador-investigator/internal/cache"
	"github.com/miradorstack/mirador-investigator/internal/models"
)

// AgentPaths are the remote route templates. Placeholders in braces are substituted per call.
type AgentPaths struct {
	Execute string
	Task    string
	Message string
	Config  string
}

// AgentClient wraps the remote agent API: execute, task, message and config lookups.
type AgentClient struct {
	baseURL    string
	paths      AgentPaths
	authHeader string
	httpClient *http.Client
	timeout    time.Duration
	cache      cache.Provider
	configTTL  time.Duration
	group      singleflight.Group
}

// HTTPError reports a non-2xx response from the agent API.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent api %s returned %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("agent api %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the agent API.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// NewAgentClient constructs a client targeting the configured agent API.
func NewAgentClient(baseURL string, paths AgentPaths, authHeader string, timeout time.Duration, cacheProvider cache.Provider, configTTL time.Duration) *AgentClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if configTTL < 0 {
		configTTL = 0
	}
	return &AgentClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		paths:      paths,
		authHeader: authHeader,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		cache:      cacheProvider,
		configTTL:  configTTL,
	}
}

// ExecuteAgent submits an asynchronous agent execution.
func (c *AgentClient) ExecuteAgent(ctx context.Context, agentID string, params models.ExecuteParameters) (models.ExecuteResponse, error) {
	if err := c.ready(); err != nil {
		return models.ExecuteResponse{}, err
	}
	if agentID == "" {
		return models.ExecuteResponse{}, fmt.Errorf("agent id is required")
	}

	endpoint := c.resolve(c.paths.Execute, "agent_id", agentID)
	endpoint = withQuery(endpoint, "async", "true")

	var out models.ExecuteResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, models.ExecuteRequest{Parameters: params}, &out); err != nil {
		return models.ExecuteResponse{}, fmt.Errorf("execute agent %s: %w", agentID, err)
	}
	return out, nil
}

// GetTask fetches the current state of a remote task.
func (c *AgentClient) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	if err := c.ready(); err != nil {
		return models.Task{}, err
	}
	var out models.Task
	if err := c.doJSON(ctx, http.MethodGet, c.resolve(c.paths.Task, "task_id", taskID), nil, &out); err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if out.TaskID == "" {
		out.TaskID = taskID
	}
	return out, nil
}

// GetMessage fetches a single memory message.
func (c *AgentClient) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := c.ready(); err != nil {
		return models.Message{}, err
	}
	var out models.Message
	if err := c.doJSON(ctx, http.MethodGet, c.resolve(c.paths.Message, "message_id", messageID), nil, &out); err != nil {
		return models.Message{}, fmt.Errorf("get message %s: %w", messageID, err)
	}
	if out.MessageID == "" {
		out.MessageID = messageID
	}
	return out, nil
}

// GetConfig fetches a named configuration document. Results are cached for the configured
// TTL and concurrent lookups of the same name share one request. The shared request is not
// tied to any one caller's cancellation; each caller still stops waiting when its ctx ends.
func (c *AgentClient) GetConfig(ctx context.Context, name string) (models.AgentConfig, error) {
	if err := c.ready(); err != nil {
		return models.AgentConfig{}, err
	}
	key := "agent-config:" + name

	if data, err := c.cache.Get(ctx, key); err == nil {
		var cached models.AgentConfig
		if json.Unmarshal(data, &cached) == nil {
			return cached, nil
		}
	}

	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		var out models.AgentConfig
		if err := c.doJSON(fetchCtx, http.MethodGet, c.resolve(c.paths.Config, "config_name", name), nil, &out); err != nil {
			return models.AgentConfig{}, err
		}
		if out.Configuration.AgentID != "" && c.configTTL > 0 {
			if data, err := json.Marshal(out); err == nil {
				_ = c.cache.Set(fetchCtx, key, data, c.configTTL)
			}
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		return models.AgentConfig{}, fmt.Errorf("get config %s: %w", name, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return models.AgentConfig{}, fmt.Errorf("get config %s: %w", name, res.Err)
		}
		return res.Val.(models.AgentConfig), nil
	}
}

func (c *AgentClient) ready() error {
	if c == nil {
		return fmt.Errorf("agent client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("agent base URL not configured")
	}
	return nil
}

func (c *AgentClient) resolve(template, placeholder, value string) string {
	p := strings.ReplaceAll(template, "{"+placeholder+"}", value)
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func withQuery(endpoint, key, value string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *AgentClient) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Endpoint: req.URL.Path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
