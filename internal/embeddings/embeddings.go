// Package embeddings generates vector embeddings for diff specifications
// through an ollama-hosted embedding model, with a cached worker pool in
// front of the API.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Content string
	Result  chan<- Result
}

// Client calls the embedding API directly.
type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// NewClient creates an embedding client for an ollama endpoint.
func NewClient(baseURL string, port int, model string) *Client {
	return &Client{
		endpoint:   fmt.Sprintf("%s:%d/api/embeddings", baseURL, port),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates one embedding vector for the content.
func (c *Client) Embed(ctx context.Context, content string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: content})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API error (%d): %s", resp.StatusCode, string(msg))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, fmt.Errorf("embedding API returned an empty vector")
	}
	return decoded.Embedding, nil
}

// Service manages embedding generation and caching
type Service struct {
	client     *Client
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // Thread-safe map for caching embeddings
	wg         sync.WaitGroup
}

// NewService creates a new embedding service with the specified number of workers
func NewService(client *Client, numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4 // Default to 4 workers if not specified
	}

	workQueue := make(chan Work, 100) // Buffer size for embedding requests

	service := &Service{
		client:     client,
		numWorkers: numWorkers,
		workQueue:  workQueue,
	}

	// Start embedding workers
	service.startWorkers()

	return service
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				// Check cache first
				if cachedEmb, ok := s.cache.Load(work.Content); ok {
					if embedding, validCache := cachedEmb.([]float32); validCache {
						work.Result <- Result{
							Content:   work.Content,
							Embedding: embedding,
						}
						continue
					}
				}

				embedding, err := s.client.Embed(context.Background(), work.Content)
				if err == nil {
					// Cache the successful result
					s.cache.Store(work.Content, embedding)
				}

				// Send result back
				work.Result <- Result{
					Content:   work.Content,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// GetEmbedding requests an embedding generation asynchronously
func (s *Service) GetEmbedding(content string) <-chan Result {
	resultChan := make(chan Result, 1)

	// Check if we're already at capacity
	select {
	case s.workQueue <- Work{
		Content: content,
		Result:  resultChan,
	}:
		// Work queued successfully
	default:
		// Queue is full, return an error immediately
		resultChan <- Result{
			Content: content,
			Error:   fmt.Errorf("embedding queue is full, try again later"),
		}
		close(resultChan)
	}

	return resultChan
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	if s.workQueue != nil {
		close(s.workQueue)
	}
	s.wg.Wait() // Wait for all workers to finish
}
