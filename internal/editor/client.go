// Package editor wraps the generative image-edit service. Given a prompt and
// one or more reference images it returns exactly one generated image
// reference, usually a time-limited URL.
package editor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdougie/reframe/internal/models"
)

// MaxPromptChars is the hard prompt-length ceiling imposed by the edit
// service. Callers compose prompts so they never cross it.
const MaxPromptChars = 2000

const (
	pollInterval = 2 * time.Second
	pollTimeout  = 5 * time.Minute
)

// EditRequest describes one image edit.
type EditRequest struct {
	Prompt       string
	Images       []models.ImageRef // 1 or 2 reference images
	OutputFormat string
}

// Client talks to the edit service over REST. Predictions are created and
// then polled until they settle.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an edit service client.
func NewClient(baseURL, apiKey, model string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

type predictionInput struct {
	Prompt       string   `json:"prompt"`
	InputImages  []string `json:"input_images"`
	OutputFormat string   `json:"output_format,omitempty"`
}

type createRequest struct {
	Input predictionInput `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Edit runs one edit call and returns the generated image reference.
func (c *Client) Edit(ctx context.Context, req EditRequest) (models.ImageRef, error) {
	if req.Prompt == "" {
		return models.ImageRef{}, models.Validationf("prompt", "must not be empty")
	}
	if len(req.Prompt) > MaxPromptChars {
		return models.ImageRef{}, models.Validationf("prompt", "length %d exceeds %d char limit", len(req.Prompt), MaxPromptChars)
	}
	if len(req.Images) < 1 || len(req.Images) > 2 {
		return models.ImageRef{}, models.Validationf("images", "need 1 or 2 reference images, got %d", len(req.Images))
	}

	images := make([]string, 0, len(req.Images))
	for _, ref := range req.Images {
		encoded, err := c.encodeImage(ref)
		if err != nil {
			return models.ImageRef{}, err
		}
		images = append(images, encoded)
	}

	body, err := json.Marshal(createRequest{Input: predictionInput{
		Prompt:       req.Prompt,
		InputImages:  images,
		OutputFormat: req.OutputFormat,
	}})
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("failed to encode edit request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.ImageRef{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("edit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return models.ImageRef{}, fmt.Errorf("edit service error (%d): %s", resp.StatusCode, string(msg))
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return models.ImageRef{}, fmt.Errorf("failed to decode edit response: %w", err)
	}

	c.logger.Debug("edit prediction started", slog.String("id", pred.ID))
	return c.poll(ctx, pred)
}

// poll waits for the prediction to settle and extracts its single output.
func (c *Client) poll(ctx context.Context, pred prediction) (models.ImageRef, error) {
	deadline, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		switch pred.Status {
		case "succeeded":
			url, err := outputURL(pred.Output)
			if err != nil {
				return models.ImageRef{}, err
			}
			return models.RemoteRef(url), nil
		case "failed", "canceled":
			return models.ImageRef{}, fmt.Errorf("edit prediction %s %s: %s", pred.ID, pred.Status, pred.Error)
		}

		select {
		case <-deadline.Done():
			return models.ImageRef{}, fmt.Errorf("edit prediction %s timed out: %w", pred.ID, deadline.Err())
		case <-ticker.C:
		}

		refreshed, err := c.getPrediction(deadline, pred.ID)
		if err != nil {
			return models.ImageRef{}, err
		}
		pred = *refreshed
	}
}

func (c *Client) getPrediction(ctx context.Context, id string) (*prediction, error) {
	endpoint := fmt.Sprintf("%s/predictions/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prediction status check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("edit service error (%d): %s", resp.StatusCode, string(msg))
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	return &pred, nil
}

// outputURL handles both output shapes the service returns: a single URL
// string or an array of URLs.
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("prediction succeeded but returned no output")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0], nil
	}
	return "", fmt.Errorf("unrecognized prediction output: %s", string(raw))
}

// encodeImage turns a reference into something the service accepts: URLs
// pass through, local files are inlined as data URIs.
func (c *Client) encodeImage(ref models.ImageRef) (string, error) {
	if ref.IsRemote() {
		return ref.URL, nil
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return "", models.Validationf("images", "unreadable reference image '%s': %v", ref.Path, err)
	}
	mime := "image/png"
	if ext := strings.ToLower(filepath.Ext(ref.Path)); ext == ".jpg" || ext == ".jpeg" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}

// CheckRef issues a lightweight existence probe for an image reference.
// Expired service URLs come back as ErrReferenceExpired.
func (c *Client) CheckRef(ctx context.Context, ref models.ImageRef) error {
	if !ref.IsRemote() {
		if _, err := os.Stat(ref.Path); err != nil {
			return fmt.Errorf("frame file missing: %w", err)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reference probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("probe %s returned %d: %w", ref.URL, resp.StatusCode, models.ErrReferenceExpired)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s returned %d", ref.URL, resp.StatusCode)
	}
	return nil
}
