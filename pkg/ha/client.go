package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to the Home Assistant REST API. It satisfies both
// StateProvider and ServiceCaller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

type apiState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
}

func (s apiState) toEntityState() EntityState {
	e := EntityState{
		EntityID:   s.EntityID,
		State:      s.State,
		Attributes: s.Attributes,
	}
	if v, ok := s.Attributes["friendly_name"].(string); ok {
		e.FriendlyName = v
	}
	if v, ok := s.Attributes["area"].(string); ok {
		e.Area = v
	}
	if t, err := time.Parse(time.RFC3339, s.LastChanged); err == nil {
		e.LastChangedMS = t.UnixMilli()
	}
	return e
}

// States returns a snapshot of every entity.
func (c *Client) States(ctx context.Context) ([]EntityState, error) {
	var raw []apiState
	if err := c.get(ctx, "/api/states", &raw); err != nil {
		return nil, err
	}
	states := make([]EntityState, 0, len(raw))
	for _, s := range raw {
		states = append(states, s.toEntityState())
	}
	return states, nil
}

// State returns one entity snapshot.
func (c *Client) State(ctx context.Context, entityID string) (*EntityState, error) {
	var raw apiState
	if err := c.get(ctx, "/api/states/"+entityID, &raw); err != nil {
		return nil, err
	}
	e := raw.toEntityState()
	return &e, nil
}

// CallService invokes domain.service. entityID and data are merged
// into the request body the way the services API expects.
func (c *Client) CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error {
	body := map[string]any{}
	for k, v := range data {
		body[k] = v
	}
	if entityID != "" {
		body["entity_id"] = entityID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode service call: %w", err)
	}

	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s.%s: status %d: %s", domain, service, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("get %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}
