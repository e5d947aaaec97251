package feedclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay = 2 * time.Second

	feedPath   = "/activity-events"
	streamPath = "/activity-events/stream"
)

var (
	errMissingBaseURL = errors.New("feed client requires a base url")
	errMissingHandler = errors.New("feed client requires an event handler")
)

type ClientConfig struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Client reads the feed over HTTP and follows the live stream.
type Client struct {
	baseURL        *url.URL
	token          string
	httpClient     *http.Client
	reconnectDelay time.Duration
	logger         *zap.Logger
}

// CursorPage is the cursor-mode feed response body.
type CursorPage struct {
	Events  []activity.EnrichedEvent `json:"events"`
	HasMore bool                     `json:"hasMore"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed client: unexpected status %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("feed client: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		token:          cfg.Token,
		httpClient:     httpClient,
		reconnectDelay: delay,
		logger:         logger,
	}, nil
}

// FetchPage requests one cursor-mode page with the given query parameters.
func (c *Client) FetchPage(ctx context.Context, query url.Values) (CursorPage, error) {
	request, err := c.newRequest(ctx, feedPath, query)
	if err != nil {
		return CursorPage{}, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return CursorPage{}, fmt.Errorf("feed client: fetch page: %w", err)
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return CursorPage{}, err
	}
	var page CursorPage
	if err := json.NewDecoder(response.Body).Decode(&page); err != nil {
		return CursorPage{}, fmt.Errorf("feed client: decode page: %w", err)
	}
	return page, nil
}

// Stream follows the live stream until ctx is done, reconnecting after a
// fixed delay from the highest id it has delivered.
func (c *Client) Stream(ctx context.Context, since int64, handle func(activity.EnrichedEvent)) error {
	if handle == nil {
		return errMissingHandler
	}
	cursor := since
	retry := backoff.NewConstantBackOff(c.reconnectDelay)
	for {
		err := c.streamOnce(ctx, cursor, func(event activity.EnrichedEvent) {
			cursor = max(cursor, event.ID)
			handle(event)
		})
		if ctx.Err() != nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return err
		}
		c.logger.Warn("activity stream disconnected", zap.Int64("since", cursor), zap.Error(err))

		timer := time.NewTimer(retry.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, since int64, handle func(activity.EnrichedEvent)) error {
	query := url.Values{}
	if since > 0 {
		query.Set("since", strconv.FormatInt(since, 10))
	}
	request, err := c.newRequest(ctx, streamPath, query)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("feed client: open stream: %w", err)
	}
	defer response.Body.Close()
	if err := checkStatus(response); err != nil {
		return err
	}
	return readEvents(response.Body, func(frame frame) {
		var event activity.EnrichedEvent
		if err := json.Unmarshal([]byte(frame.data), &event); err != nil {
			c.logger.Warn("activity stream frame dropped", zap.String("id", frame.id), zap.Error(err))
			return
		}
		handle(event)
	})
}

func (c *Client) newRequest(ctx context.Context, path string, query url.Values) (*http.Request, error) {
	target := c.baseURL.JoinPath(path)
	target.RawQuery = query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed client: build request: %w", err)
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	return request, nil
}

func checkStatus(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
}

type frame struct {
	id   string
	data string
}

// readEvents splits an event stream into frames. Comment lines carry
// keepalives and are skipped.
func readEvents(body io.Reader, handle func(frame)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current frame
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				current.data = strings.Join(data, "\n")
				handle(current)
			}
			current = frame{}
			data = nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			current.id = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
