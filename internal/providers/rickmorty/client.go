package rickmorty

import (
	"bytes"
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

	"charactersearch/searchservice/internal/domain"
	"charactersearch/searchservice/internal/providers/common"
	"charactersearch/searchservice/internal/search"
)

const (
	defaultEndpoint  = "https://rickandmortyapi.com/api/character"
	defaultUserAgent = "character-search/1.0"
	maxPayloadBytes  = 4 * 1024 * 1024
)

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
	// MaxAttempts > 1 retries transient failures with backoff.
	MaxAttempts int
}

// Client looks characters up by name on the public character API.
type Client struct {
	client    *http.Client
	endpoint  string
	userAgent string
	retry     search.RetryConfig
}

type apiResponse struct {
	Results json.RawMessage `json:"results"`
}

type apiCharacter struct {
	ID       json.RawMessage `json:"id"`
	Name     string          `json:"name"`
	Image    string          `json:"image"`
	Status   string          `json:"status"`
	Species  string          `json:"species"`
	Location *apiLocation    `json:"location"`
}

type apiLocation struct {
	Name string `json:"name"`
}

func NewClient(cfg Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	retry := search.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		client:    client,
		endpoint:  strings.TrimRight(endpoint, "/"),
		userAgent: userAgent,
		retry:     retry,
	}
}

func (c *Client) Name() string {
	return "rickmorty"
}

// Fetch returns every character whose name matches query. The API answers
// 404 when nothing matches; that is an empty result, not an error.
func (c *Client) Fetch(ctx context.Context, query string) ([]domain.Character, error) {
	query = strings.TrimSpace(query)
	searchURL, err := url.Parse(c.endpoint + "/")
	if err != nil {
		return nil, &domain.FetchError{Query: query, Cause: fmt.Errorf("invalid endpoint: %w", err)}
	}
	params := searchURL.Query()
	params.Set("name", query)
	searchURL.RawQuery = params.Encode()

	var results []domain.Character
	err = search.RetryWithBackoff(ctx, c.retry, func() error {
		var attemptErr error
		results, attemptErr = c.fetchOnce(ctx, searchURL.String(), query)
		return attemptErr
	})
	if err != nil {
		var fetchErr *domain.FetchError
		if errors.As(err, &fetchErr) {
			return nil, err
		}
		return nil, &domain.FetchError{Query: query, Cause: err}
	}
	return results, nil
}

func (c *Client) fetchOnce(ctx context.Context, reqURL, query string) ([]domain.Character, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return []domain.Character{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &domain.FetchError{
			Query:  query,
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, err
	}
	results, err := parseCharacters(payload)
	if err != nil {
		return nil, &domain.FetchError{Query: query, Status: resp.StatusCode, Cause: err}
	}
	return results, nil
}

func parseCharacters(payload []byte) ([]domain.Character, error) {
	var envelope apiResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	raw := bytes.TrimSpace(envelope.Results)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("decode response: missing results")
	}
	var items []apiCharacter
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}

	results := make([]domain.Character, 0, len(items))
	for i, item := range items {
		results = append(results, item.toCharacter(i+1))
	}
	return results, nil
}

func (a apiCharacter) toCharacter(position int) domain.Character {
	id := parseID(a.ID)
	if id == "" {
		id = strconv.Itoa(position)
	}
	location := ""
	if a.Location != nil {
		location = common.CleanText(a.Location.Name)
	}
	return domain.Character{
		ID:       id,
		Name:     common.CleanText(a.Name),
		ImageURL: common.CleanURL(a.Image),
		Status:   common.CleanText(a.Status),
		Species:  common.CleanText(a.Species),
		Location: location,
	}
}

// parseID accepts numeric or string ids; zero and empty mean "missing".
func parseID(raw json.RawMessage) string {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(value); err == nil {
		value = strings.TrimSpace(unquoted)
	}
	if value == "" || value == "0" {
		return ""
	}
	return value
}
