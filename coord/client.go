package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client implements Manager against the coordination service's HTTP API.
// Membership is held open on a WebSocket event channel for the lifetime of
// the session; criteria sends go over plain HTTP with retries.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	endpoint                 string
	clusterName              string
	instanceName             string
	disconnectTimeout        time.Duration
	customizeRetryableClient func(*retryablehttp.Client)

	mut       sync.Mutex
	sessionID string
	wsConn    *websocket.Conn
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("coord_client")
	}
}

// WithInstanceName overrides the member name announced to the coordination
// service, which defaults to the local hostname.
func WithInstanceName(name string) ClientOption {
	return func(c *Client) {
		c.instanceName = name
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a coordination service client for the given cluster.
// The endpoint is the service's base URL, e.g. "http://coord.internal:7000".
func NewClient(log *zap.SugaredLogger, endpoint, clusterName string, opts ...ClientOption) *Client {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "drover-launcher"
	}

	c := &Client{
		Logger:            log.Named("coord_client"),
		endpoint:          strings.TrimRight(endpoint, "/"),
		clusterName:       clusterName,
		instanceName:      hostname,
		disconnectTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	// No client-level timeout; it would also bound the lifetime of the
	// membership event channel. Callers bound individual requests with ctx.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()

	return c
}

func (c *Client) clusterURL(parts ...string) string {
	return c.endpoint + "/clusters/" + c.clusterName + "/" + strings.Join(parts, "/")
}

func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshaling request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("non-200 status code %d: %s", resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Connect registers a spectator session with the coordination service and
// opens the membership event channel. The handshake does not retry beyond
// the HTTP client's own policy; an unreachable service is fatal to launch.
func (c *Client) Connect(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.sessionID != "" {
		return nil
	}

	var sessionResp struct {
		SessionID string `json:"sessionId"`
	}
	_, err := c.postJSON(ctx, c.clusterURL("sessions"), map[string]string{
		"instanceName": c.instanceName,
		"role":         RoleSpectator,
	}, &sessionResp)
	if err != nil {
		return fmt.Errorf("registering membership session: %w", err)
	}
	if sessionResp.SessionID == "" {
		return fmt.Errorf("coordination service returned an empty session id")
	}

	wsURL := c.clusterURL("sessions", sessionResp.SessionID, "events")
	wsConn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return fmt.Errorf("dialing membership event channel: %w", err)
	}

	c.sessionID = sessionResp.SessionID
	c.wsConn = wsConn
	c.Logger.Infow("connected to coordination service", "cluster", c.clusterName, "session", c.sessionID)
	return nil
}

// Disconnect closes the membership session. Calling it when not connected is
// a no-op.
func (c *Client) Disconnect() error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.sessionID == "" {
		return nil
	}

	if c.wsConn != nil {
		err := c.wsConn.Close(websocket.StatusNormalClosure, "disconnecting")
		if err != nil {
			c.Logger.Debugf("closing membership event channel: %s", err)
		}
		c.wsConn = nil
	}

	// Disconnect runs during shutdown with no caller-supplied context, and the
	// HTTP client itself has no timeout; bound the delete here so a wedged
	// service cannot stall teardown.
	ctx, cancel := context.WithTimeout(context.Background(), c.disconnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.clusterURL("sessions", c.sessionID), nil)
	if err != nil {
		return fmt.Errorf("building session delete request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting membership session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("non-200 status code %d deleting membership session", resp.StatusCode)
	}

	c.sessionID = ""
	return nil
}

func (c *Client) IsConnected() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.sessionID != ""
}

// FindController asks the coordination service for a live controller under
// the cluster name. A 404 means there is no reconnectable cluster.
func (c *Client) FindController(ctx context.Context, clusterName string) (string, error) {
	url := c.endpoint + "/clusters/" + clusterName + "/controller"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building controller query: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("non-200 status code %d querying controller: %s", resp.StatusCode, string(b))
	}

	var controllerResp struct {
		ClusterID string `json:"clusterId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&controllerResp); err != nil {
		return "", fmt.Errorf("decoding controller response: %w", err)
	}
	return controllerResp.ClusterID, nil
}

// Send routes a message to all members matching the criteria and returns the
// recipient count reported by the service.
func (c *Client) Send(ctx context.Context, criteria Criteria, msg Message) (int, error) {
	var sendResp struct {
		Recipients int `json:"recipients"`
	}
	_, err := c.postJSON(ctx, c.clusterURL("messages"), map[string]interface{}{
		"criteria": criteria,
		"message":  msg,
	}, &sendResp)
	if err != nil {
		return 0, fmt.Errorf("sending %s message: %w", msg.Kind, err)
	}
	return sendResp.Recipients, nil
}
