package tornapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avlott/revtally/internal/storage"
)

const (
	defaultBaseURL  = "https://api.torn.com/v2"
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 100
	maxRetries      = 3
	initialBackoff  = 500 * time.Millisecond
)

// ErrUnauthorized is returned when the game API rejects the key.
var ErrUnauthorized = errors.New("api key rejected")

// Client fetches revive pages from the game API.
type Client struct {
	apiKey     string
	baseURL    string
	pageSize   int
	httpClient *http.Client
}

// New creates a Client with the given bearer key.
func New(apiKey string) *Client {
	return &Client{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		pageSize: defaultPageSize,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewWithBaseURL(apiKey, baseURL string) *Client {
	c := New(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetPageSize overrides the fixed page size requested from the API.
func (c *Client) SetPageSize(n int) {
	if n > 0 {
		c.pageSize = n
	}
}

// reviveEntry is the wire shape of one revive in the keyed response object.
type reviveEntry struct {
	Timestamp      int64   `json:"timestamp"`
	Result         string  `json:"result"`
	Chance         float64 `json:"chance"`
	ReviverID      int64   `json:"reviver_id"`
	ReviverName    string  `json:"reviver_name"`
	ReviverFaction *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"reviver_faction"`
	ReviverSkill  *float64 `json:"reviver_skill"`
	TargetID      int64    `json:"target_id"`
	TargetName    string   `json:"target_name"`
	TargetFaction *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"target_faction"`
	HospitalReason string `json:"target_hospital_reason"`
}

type revivesResponse struct {
	Revives map[string]json.RawMessage `json:"revives"`
}

// FetchPage fetches one page of revives for the mode. A before value > 0
// requests records at-or-before that timestamp; 0 requests the newest page.
// HTTP 429 is retried with exponential backoff; 401/403 surface
// ErrUnauthorized. Entries that fail to parse are skipped with a warning
// rather than failing the page.
func (c *Client) FetchPage(ctx context.Context, mode storage.Mode, before int64) ([]storage.RawRecord, error) {
	q := url.Values{}
	q.Set("mode", string(mode))
	q.Set("limit", strconv.Itoa(c.pageSize))
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	reqURL := c.baseURL + "/revives?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		body, err := c.doFetch(ctx, reqURL)
		if err == nil {
			return parsePage(mode, body)
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) doFetch(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &rateLimitError{status: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

func parsePage(mode storage.Mode, body []byte) ([]storage.RawRecord, error) {
	var wire revivesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parsing revives response: %w", err)
	}

	records := make([]storage.RawRecord, 0, len(wire.Revives))
	for rawID, rawEntry := range wire.Revives {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			slog.Warn("skipping revive with malformed id", "mode", mode, "id", rawID)
			continue
		}

		var e reviveEntry
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			slog.Warn("skipping malformed revive entry", "mode", mode, "id", id, "error", err)
			continue
		}
		if e.Timestamp <= 0 {
			slog.Warn("skipping revive without timestamp", "mode", mode, "id", id)
			continue
		}

		r := storage.RawRecord{
			ID:        id,
			Timestamp: e.Timestamp,
			Outcome:   normalizeOutcome(e.Result),
			Chance:    e.Chance,
			Reviver: storage.Reviver{
				ID:   e.ReviverID,
				Name: e.ReviverName,
			},
			Target: storage.Target{
				ID:             e.TargetID,
				Name:           e.TargetName,
				HospitalReason: e.HospitalReason,
			},
		}
		if e.ReviverSkill != nil {
			r.Reviver.Skill = *e.ReviverSkill
		}
		if e.ReviverFaction != nil {
			r.Reviver.FactionID = e.ReviverFaction.ID
			r.Reviver.FactionName = e.ReviverFaction.Name
		}
		if e.TargetFaction != nil {
			r.Target.FactionID = e.TargetFaction.ID
			r.Target.FactionName = e.TargetFaction.Name
		}
		records = append(records, r)
	}
	return records, nil
}

func normalizeOutcome(result string) string {
	if strings.EqualFold(result, storage.OutcomeSuccess) {
		return storage.OutcomeSuccess
	}
	return storage.OutcomeFailure
}
