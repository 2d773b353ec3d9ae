package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// SocialPostRequest is the payload posted to the social publishing endpoint
type SocialPostRequest struct {
	Recipient        string `json:"recipient"`
	Text             string `json:"text"`
	CorrelationToken string `json:"correlationToken,omitempty"`
}

// SocialPostResponse is the endpoint's acknowledgement
type SocialPostResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HTTPPostProvider publishes social-post steps to an HTTP endpoint
type HTTPPostProvider struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPPostProvider creates a provider posting JSON to endpoint with a bearer token
func NewHTTPPostProvider(endpoint, token string, timeout time.Duration) *HTTPPostProvider {
	return &HTTPPostProvider{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *HTTPPostProvider) Send(ctx context.Context, d Delivery) (string, error) {
	if p.endpoint == "" {
		return "", NewPermanentError(errors.New("social post endpoint is not configured"))
	}

	requestBody, err := json.Marshal(SocialPostRequest{
		Recipient:        d.Recipient,
		Text:             d.Body,
		CorrelationToken: d.CorrelationToken,
	})
	if err != nil {
		return "", NewPermanentError(fmt.Errorf("failed to marshal social post request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return "", NewPermanentError(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", NewTransientError(fmt.Errorf("social post request timed out: %w", err))
		}
		return "", NewTransientError(fmt.Errorf("failed to send social post request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", NewTransientError(fmt.Errorf("social post endpoint returned %d: %s", resp.StatusCode, body))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", NewPermanentError(fmt.Errorf("social post rejected with %d: %s", resp.StatusCode, body))
	}

	var result SocialPostResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", NewTransientError(fmt.Errorf("failed to decode social post response: %w", err))
	}
	return result.ID, nil
}
