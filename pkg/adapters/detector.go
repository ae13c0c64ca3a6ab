// Package adapters holds the HTTP clients for the external model services:
// the computer-vision detector and the clinical-AI engine. Both are wrapped
// in circuit breakers so a flapping model service degrades to fast failures
// instead of tying up workers.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
)

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// DetectorClient calls the computer-vision detection service.
type DetectorClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewDetectorClient creates the detector adapter.
func NewDetectorClient(cfg config.AdaptersConfig) *DetectorClient {
	return &DetectorClient{
		baseURL: cfg.DetectorURL,
		http:    &http.Client{Timeout: cfg.CallTimeout()},
		breaker: newBreaker("detector"),
	}
}

// detectRequest is the wire request. Only tokenized fields cross this
// boundary: the detector sees an image URL and a token, nothing else.
type detectRequest struct {
	TokenID   string `json:"token_id"`
	SessionID string `json:"session_id"`
	ImageURL  string `json:"image_url"`
}

type detectResponse struct {
	Grade              int     `json:"grade"`
	Confidence         float64 `json:"confidence"`
	AnatomicalLocation string  `json:"anatomical_location"`
	ModelVersion       string  `json:"model_version"`
}

// Detect runs detection on one prepared image.
func (c *DetectorClient) Detect(ctx context.Context, tokenID, sessionID, imageID, imageURL string) (*models.Detection, error) {
	var resp detectResponse
	err := c.call(ctx, "/v1/detect", detectRequest{
		TokenID:   tokenID,
		SessionID: sessionID,
		ImageURL:  imageURL,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Grade < 0 || resp.Grade > 4 {
		return nil, apperr.New(apperr.KindNonRetryable,
			fmt.Sprintf("detector returned grade %d outside 0-4", resp.Grade))
	}
	return &models.Detection{
		DetectionID:        "det_" + uuid.NewString(),
		TokenID:            tokenID,
		SessionID:          sessionID,
		ImageID:            imageID,
		Grade:              resp.Grade,
		Confidence:         resp.Confidence,
		AnatomicalLocation: resp.AnatomicalLocation,
		ModelVersion:       resp.ModelVersion,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

func (c *DetectorClient) call(ctx context.Context, path string, reqBody, respBody any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, doJSON(ctx, c.http, c.baseURL+path, reqBody, respBody)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.Wrap(apperr.KindTransient, "detector circuit open", err)
	}
	return err
}

// doJSON posts a JSON request and decodes the JSON response. 4xx statuses
// are non-retryable contract errors; 5xx and transport failures are
// transient.
func doJSON(ctx context.Context, client *http.Client, url string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "adapter call failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to read adapter response", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return apperr.New(apperr.KindTransient,
			fmt.Sprintf("adapter returned %d: %s", resp.StatusCode, truncate(body, 200)))
	case resp.StatusCode >= 400:
		return apperr.New(apperr.KindNonRetryable,
			fmt.Sprintf("adapter rejected request with %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return apperr.Wrap(apperr.KindNonRetryable, "failed to decode adapter response", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
