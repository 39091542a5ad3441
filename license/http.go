package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient implements Client against the subscription license service.
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

type planMetadataResponse struct {
	PendingLicenses int `json:"pending_licenses"`
	TotalLicenses   int `json:"total_licenses"`
}

type licenseResponse struct {
	UUID      string `json:"uuid"`
	LearnerID string `json:"learner_id"`
	Status    string `json:"status"`
}

func (c *HTTPClient) GetPlanMetadata(ctx context.Context, planID string) (*PlanMetadata, error) {
	url := fmt.Sprintf("%s/api/v1/plans/%s/", c.BaseURL, planID)
	var payload planMetadataResponse
	if err := c.do(ctx, http.MethodGet, url, nil, &payload); err != nil {
		return nil, err
	}
	return &PlanMetadata{
		PendingLicenses: payload.PendingLicenses,
		TotalLicenses:   payload.TotalLicenses,
	}, nil
}

func (c *HTTPClient) GetLicense(ctx context.Context, planID, learnerID string) (*License, error) {
	url := fmt.Sprintf("%s/api/v1/plans/%s/licenses/%s/", c.BaseURL, planID, learnerID)
	var payload licenseResponse
	err := c.do(ctx, http.MethodGet, url, nil, &payload)
	if err != nil {
		// No license for the learner is a nil result, not an error.
		var serr *statusError
		if errors.As(err, &serr) && serr.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &License{UUID: payload.UUID, LearnerID: payload.LearnerID, Status: payload.Status}, nil
}

func (c *HTTPClient) AssignLicense(ctx context.Context, planID, learnerID string) (*License, error) {
	url := fmt.Sprintf("%s/api/v1/plans/%s/licenses/", c.BaseURL, planID)
	body := fmt.Sprintf(`{"learner_id":%q}`, learnerID)
	var payload licenseResponse
	if err := c.do(ctx, http.MethodPost, url, strings.NewReader(body), &payload); err != nil {
		return nil, err
	}
	return &License{UUID: payload.UUID, LearnerID: payload.LearnerID, Status: payload.Status}, nil
}

type statusError struct {
	code   int
	detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("license service returned status %d: %s", e.code, e.detail)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{code: resp.StatusCode, detail: string(detail)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
