package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// HTTP CLIENT - Talks to the remote catalog service
// =============================================================================

// HTTPClient implements Client against the catalog service's customer-scoped
// content metadata endpoint.
type HTTPClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// contentMetadataPayload mirrors the catalog service's response shape.
type contentMetadataPayload struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	CourseType  string `json:"course_type"`
	Price       string `json:"first_enrollable_paid_seat_price"`
	CourseStart string `json:"start_date"`
	EnrollBy    string `json:"enroll_by_date"`
}

func (c *HTTPClient) GetContentMetadata(ctx context.Context, customerID, contentKey string) (*ContentMetadata, error) {
	url := fmt.Sprintf("%s/api/v1/customers/%s/content-metadata/%s/", c.BaseURL, customerID, contentKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{CustomerID: customerID, ContentKey: contentKey}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload contentMetadataPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return payload.toMetadata()
}

func (p *contentMetadataPayload) toMetadata() (*ContentMetadata, error) {
	price := decimal.Zero
	if p.Price != "" {
		parsed, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog price %q: %w", p.Price, err)
		}
		price = parsed
	}

	md := &ContentMetadata{
		ContentKey: p.Key,
		Title:      p.Title,
		CourseType: p.CourseType,
		Price:      price,
	}
	if p.CourseStart != "" {
		t, err := time.Parse(time.RFC3339, p.CourseStart)
		if err == nil {
			md.CourseStart = t
		}
	}
	if p.EnrollBy != "" {
		t, err := time.Parse(time.RFC3339, p.EnrollBy)
		if err == nil {
			md.EnrollBy = t
		}
	}
	return md, nil
}
