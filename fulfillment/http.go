package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/warp/subsidy-engine/ledger"
)

// =============================================================================
// HTTP ENROLLMENT CLIENT - Talks to the platform enrollment service
// =============================================================================

// HTTPEnrollmentClient implements EnrollmentClient against the enterprise
// enrollment API. Any non-2xx response surfaces as an *Error so the
// orchestrator can mark the transaction failed and roll back.
type HTTPEnrollmentClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPEnrollmentClient(baseURL, token string, timeout time.Duration) *HTTPEnrollmentClient {
	return &HTTPEnrollmentClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type enrollRequest struct {
	LearnerID     string `json:"learner_id"`
	ContentKey    string `json:"content_key"`
	TransactionID string `json:"transaction_id"`
}

type enrollResponse struct {
	FulfillmentID string `json:"fulfillment_id"`
}

func (c *HTTPEnrollmentClient) Enroll(ctx context.Context, learnerID, contentKey string, txID ledger.TransactionID) (string, error) {
	body, err := json.Marshal(enrollRequest{
		LearnerID:     learnerID,
		ContentKey:    contentKey,
		TransactionID: string(txID),
	})
	if err != nil {
		return "", err
	}

	url := c.BaseURL + "/api/v1/enrollments/"
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return "", &Error{Op: "enroll", Detail: contentKey, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &Error{
			Op:     "enroll",
			Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, detail),
		}
	}

	var payload enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &Error{Op: "enroll", Detail: "bad response body", Err: err}
	}
	return payload.FulfillmentID, nil
}

func (c *HTTPEnrollmentClient) CancelFulfillment(ctx context.Context, fulfillmentID string) error {
	url := fmt.Sprintf("%s/api/v1/enrollments/%s/cancel/", c.BaseURL, fulfillmentID)
	resp, err := c.post(ctx, url, nil)
	if err != nil {
		return &Error{Op: "cancel", Detail: fulfillmentID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &Error{
			Op:     "cancel",
			Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, detail),
		}
	}
	return nil
}

func (c *HTTPEnrollmentClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	return postJSON(ctx, c.Client, url, c.Token, body)
}

// =============================================================================
// HTTP ALLOCATION CLIENT - Talks to the external seat provider
// =============================================================================

// HTTPAllocationClient implements AllocationClient against the executive
// education allocation API.
type HTTPAllocationClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPAllocationClient(baseURL, token string, timeout time.Duration) *HTTPAllocationClient {
	return &HTTPAllocationClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type allocationRequest struct {
	TransactionID string `json:"transaction_id"`
	LearnerID     string `json:"learner_id"`
	ContentKey    string `json:"content_key"`
	ContentTitle  string `json:"content_title"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	DateOfBirth   string `json:"date_of_birth"`
	Email         string `json:"email"`
}

type allocationResponse struct {
	AllocationID string `json:"allocation_id"`
}

func (c *HTTPAllocationClient) Allocate(ctx context.Context, req AllocationRequest) (string, error) {
	body, err := json.Marshal(allocationRequest{
		TransactionID: string(req.TransactionID),
		LearnerID:     req.LearnerID,
		ContentKey:    req.ContentKey,
		ContentTitle:  req.ContentTitle,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		DateOfBirth:   req.DateOfBirth,
		Email:         req.Email,
	})
	if err != nil {
		return "", err
	}

	url := c.BaseURL + "/api/v1/allocations/"
	resp, err := postJSON(ctx, c.Client, url, c.Token, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("allocation failed with status %d: %s", resp.StatusCode, detail)
	}

	var payload allocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("bad allocation response body: %w", err)
	}
	return payload.AllocationID, nil
}

func (c *HTTPAllocationClient) CancelAllocation(ctx context.Context, allocationID string) error {
	url := fmt.Sprintf("%s/api/v1/allocations/%s/cancel/", c.BaseURL, allocationID)
	resp, err := postJSON(ctx, c.Client, url, c.Token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("allocation cancel failed with status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url, token string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}
