package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/arkhaul/arkhaul/pkg/models"
)

// Sentinel errors for archive client failures.
var (
	ErrArchiveUnreachable = errors.New("archive unreachable")
	ErrItemNotFound       = errors.New("archive item not found")
	ErrArchiveError       = errors.New("archive request error")
	ErrArchiveTimeout     = errors.New("archive request timeout")
)

// Client fetches metadata about remote archive items.
type Client interface {
	GetItem(ctx context.Context, identifier string) (*models.Item, error)
}

// HTTPClient implements Client against the archive's metadata API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new archive metadata client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetItem(ctx context.Context, identifier string) (*models.Item, error) {
	u := fmt.Sprintf("%s/metadata/%s", c.baseURL, url.PathEscape(identifier))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrItemNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrArchiveError, resp.StatusCode)
	}

	var raw metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding metadata response: %w", err)
	}

	item := &models.Item{
		Identifier: identifier,
		Metadata:   raw.Metadata,
	}
	for _, f := range raw.Files {
		if f.Name == "" {
			continue
		}
		item.Files = append(item.Files, models.ItemFile{
			Name:   f.Name,
			Size:   int64(f.Size),
			Format: f.Format,
			MD5:    f.MD5,
		})
	}
	return item, nil
}

type metadataResponse struct {
	Metadata map[string]any `json:"metadata"`
	Files    []fileEntry    `json:"files"`
}

type fileEntry struct {
	Name   string   `json:"name"`
	Size   flexible `json:"size"`
	Format string   `json:"format"`
	MD5    string   `json:"md5"`
}

// flexible parses a size that the archive serves as either a JSON number or a
// quoted string.
type flexible int64

func (f *flexible) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	s := string(data)
	if s[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = unquoted
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexible(n)
	return nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrArchiveTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrArchiveTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrArchiveUnreachable, err)
}
