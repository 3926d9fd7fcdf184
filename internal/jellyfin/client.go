package jellyfin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aphrodite-server/aphrodite/internal/metrics"
)

var (
	ErrItemMissing        = errors.New("jellyfin: item not found")
	ErrPosterMissing      = errors.New("jellyfin: item has no primary image")
	ErrUnauthorized       = errors.New("jellyfin: unauthorized")
	ErrUploadVerification = errors.New("jellyfin: uploaded image failed signature verification")
)

// StatusError is an unexpected HTTP status from the server.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jellyfin: %s returned status %d", e.Endpoint, e.StatusCode)
}

// IsTransient reports whether an error is worth retrying: server-side 5xx,
// throttling, or transport failures. Typed lookup failures and cancellation
// are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrItemMissing) || errors.Is(err, ErrPosterMissing) ||
		errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrUploadVerification) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

const itemFields = "Tags,MediaStreams,MediaSources,ProviderIds,Genres,Overview,ProductionYear,CommunityRating,OfficialRating"

// Client talks to a Jellyfin server. All requests share a minimum spacing so
// parallel batch workers do not stampede the server; the spacing state is a
// mutex-guarded timestamp on the client, not a package global.
type Client struct {
	baseURL      string
	apiKey       string
	userID       string
	httpClient   *http.Client
	uploadClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

func NewClient(baseURL, apiKey, userID string) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		userID:       userID,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		uploadClient: &http.Client{Timeout: 60 * time.Second},
		minInterval:  100 * time.Millisecond,
	}
}

// pace blocks until the minimum spacing since the previous request has
// elapsed. Holding the mutex across the sleep is what serializes callers.
func (c *Client) pace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait := c.minInterval - time.Since(c.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	c.lastRequest = time.Now()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Client", "Aphrodite")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.pace()
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observeRequest(method, endpoint, start, resp, err)
	if err != nil {
		return nil, fmt.Errorf("jellyfin: %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// observeRequest records one API call. A transport error or any 4xx/5xx
// counts as an error result.
func observeRequest(method, endpoint string, start time.Time, resp *http.Response, err error) {
	op := operationLabel(method, endpoint)
	metrics.JellyfinRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil || resp.StatusCode >= 400 {
		result = "error"
	}
	metrics.JellyfinRequests.WithLabelValues(op, result).Inc()
}

// operationLabel collapses endpoints into a bounded label set. Item and
// library IDs must never reach the metric labels.
func operationLabel(method, endpoint string) string {
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	var op string
	switch {
	case strings.HasPrefix(path, "/System"):
		op = "system"
	case strings.HasPrefix(path, "/Library"):
		op = "libraries"
	case strings.Contains(path, "/Images/"):
		op = "poster"
	case strings.HasPrefix(path, "/Shows/"):
		op = "episodes"
	case strings.HasPrefix(path, "/Users/"):
		op = "items"
	case strings.HasPrefix(path, "/Items/"):
		op = "item"
	default:
		op = "other"
	}
	return strings.ToLower(method) + " " + op
}

func (c *Client) checkStatus(resp *http.Response, endpoint string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return ErrItemMissing
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dst interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, endpoint); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("jellyfin: failed to decode %s: %w", endpoint, err)
	}
	return nil
}

// TestConnection fetches server info to validate the URL and API key.
func (c *Client) TestConnection(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, "/System/Info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ListLibraries(ctx context.Context) ([]Library, error) {
	var libs []Library
	if err := c.getJSON(ctx, "/Library/VirtualFolders", &libs); err != nil {
		return nil, err
	}
	return libs, nil
}

// ListLibraryItems returns every item in a library, tags and streams included.
func (c *Client) ListLibraryItems(ctx context.Context, libraryID string) ([]Item, error) {
	params := url.Values{}
	params.Set("ParentId", libraryID)
	params.Set("Recursive", "true")
	params.Set("Fields", itemFields)

	endpoint := "/Items?" + params.Encode()
	if c.userID != "" {
		endpoint = "/Users/" + c.userID + "/Items?" + params.Encode()
	}
	var out itemsResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	endpoint := "/Items/" + itemID + "?Fields=" + itemFields
	if c.userID != "" {
		endpoint = "/Users/" + c.userID + "/Items/" + itemID
	}
	var item Item
	if err := c.getJSON(ctx, endpoint, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, ErrItemMissing
	}
	return &item, nil
}

// GetSeriesEpisodes returns up to limit episodes with their media streams,
// used by the audio detector to sample a series.
func (c *Client) GetSeriesEpisodes(ctx context.Context, seriesID string, limit int) ([]Item, error) {
	params := url.Values{}
	params.Set("Fields", itemFields)
	if limit > 0 {
		params.Set("Limit", fmt.Sprintf("%d", limit))
	}
	if c.userID != "" {
		params.Set("UserId", c.userID)
	}
	var out itemsResponse
	if err := c.getJSON(ctx, "/Shows/"+seriesID+"/Episodes?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// DownloadPoster fetches the primary image. The content type is returned so
// callers can preserve the extension on disk.
func (c *Client) DownloadPoster(ctx context.Context, itemID string) ([]byte, string, error) {
	endpoint := "/Items/" + itemID + "/Images/Primary"
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrPosterMissing
	}
	if err := c.checkStatus(resp, endpoint); err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("jellyfin: failed to read poster body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", ErrPosterMissing
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// UploadPoster replaces the primary image. The server accepts only a base64
// body with this exact content type; raw multipart fails silently on some
// versions. After a 2xx the first 256 bytes are re-downloaded and checked
// against known image signatures, so a lying success surfaces as
// ErrUploadVerification and the caller may retry.
func (c *Client) UploadPoster(ctx context.Context, itemID string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	endpoint := "/Items/" + itemID + "/Images/Primary"
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg; charset=utf-8")

	c.pace()
	start := time.Now()
	resp, err := c.uploadClient.Do(req)
	observeRequest(http.MethodPost, endpoint, start, resp, err)
	if err != nil {
		return fmt.Errorf("jellyfin: poster upload: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err := c.checkStatus(resp, endpoint); err != nil {
		return err
	}

	head, err := c.downloadPosterHead(ctx, itemID, 256)
	if err != nil {
		return fmt.Errorf("jellyfin: upload verification fetch: %w", err)
	}
	if !ValidImageSignature(head) {
		return ErrUploadVerification
	}
	return nil
}

func (c *Client) downloadPosterHead(ctx context.Context, itemID string, n int64) ([]byte, error) {
	endpoint := "/Items/" + itemID + "/Images/Primary"
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	c.pace()
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observeRequest(http.MethodGet, endpoint, start, resp, err)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, endpoint); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, n))
}

func (c *Client) GetTags(ctx context.Context, itemID string) ([]string, error) {
	item, err := c.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return item.Tags, nil
}

// AddTag is idempotent: tagging an already-tagged item is a no-op and no
// update is posted.
func (c *Client) AddTag(ctx context.Context, itemID, tag string) error {
	item, err := c.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	for _, t := range item.Tags {
		if t == tag {
			return nil
		}
	}
	item.Tags = append(item.Tags, tag)
	return c.updateItem(ctx, item)
}

func (c *Client) RemoveTag(ctx context.Context, itemID, tag string) error {
	item, err := c.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	kept := item.Tags[:0]
	found := false
	for _, t := range item.Tags {
		if t == tag {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	if !found {
		return nil
	}
	item.Tags = kept
	return c.updateItem(ctx, item)
}

// updateItem posts the full item back. The update endpoint replaces the item
// wholesale; the fetched Item carries every essential field so nothing is
// lost.
func (c *Client) updateItem(ctx context.Context, item *Item) error {
	if item.Tags == nil {
		item.Tags = []string{}
	}
	if item.LockedFields == nil {
		item.LockedFields = []string{}
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("jellyfin: failed to marshal item update: %w", err)
	}
	endpoint := "/Items/" + item.ID
	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return c.checkStatus(resp, endpoint)
}

// ValidImageSignature checks the leading bytes for a JPEG, PNG, or GIF magic
// number, the formats the server may hand back for a primary image.
func ValidImageSignature(data []byte) bool {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return true
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return true
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return true
	}
	return false
}
