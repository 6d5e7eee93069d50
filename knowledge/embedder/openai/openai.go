//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package openai provides the OpenAI embedder implementation.
package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/embedder"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/telemetry"
)

// Verify that Embedder implements the embedder.Embedder interface.
var _ embedder.Embedder = (*Embedder)(nil)

const (
	// DefaultModel is the default OpenAI embedding model.
	DefaultModel = "text-embedding-3-small"
	// DefaultDimensions is the default embedding dimension for text-embedding-3-small.
	DefaultDimensions = 1536
	// DefaultMaxRetries is the default maximum number of retries per API call.
	DefaultMaxRetries = 2

	// maxBatchSize caps how many inputs are sent in a single embeddings call.
	maxBatchSize = 32

	// Model prefix for the text-embedding-3 series, which accepts a
	// dimensions parameter.
	textEmbedding3Prefix = "text-embedding-3"
)

// defaultRetryBackoff is the default backoff durations for retry attempts.
var defaultRetryBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// Embedder implements the embedder.Embedder interface for OpenAI-compatible
// embedding APIs.
type Embedder struct {
	client         openai.Client
	model          string
	dimensions     int
	user           string
	apiKey         string
	baseURL        string
	requestOptions []option.RequestOption

	maxRetries   int
	retryBackoff []time.Duration
}

// Option represents a functional option for configuring the Embedder.
type Option func(*Embedder)

// WithModel sets the embedding model to use.
func WithModel(model string) Option {
	return func(e *Embedder) {
		e.model = model
	}
}

// WithDimensions sets the number of dimensions for the embedding.
// Only honored by text-embedding-3 and later models.
func WithDimensions(dimensions int) Option {
	return func(e *Embedder) {
		e.dimensions = dimensions
	}
}

// WithUser sets an optional unique identifier representing the end-user.
func WithUser(user string) Option {
	return func(e *Embedder) {
		e.user = user
	}
}

// WithAPIKey sets the API key. If not provided, the OPENAI_API_KEY
// environment variable is used.
func WithAPIKey(apiKey string) Option {
	return func(e *Embedder) {
		e.apiKey = apiKey
	}
}

// WithBaseURL sets the base URL, for OpenAI-compatible APIs.
func WithBaseURL(baseURL string) Option {
	return func(e *Embedder) {
		e.baseURL = baseURL
	}
}

// WithRequestOptions sets additional options for the underlying client
// requests.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(e *Embedder) {
		e.requestOptions = append(e.requestOptions, opts...)
	}
}

// WithMaxRetries sets the maximum number of retries per API call.
// Negative values are treated as 0.
func WithMaxRetries(maxRetries int) Option {
	return func(e *Embedder) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		e.maxRetries = maxRetries
	}
}

// WithRetryBackoff sets the backoff durations for each retry attempt. When
// retries outnumber the slice entries the last duration is reused.
func WithRetryBackoff(backoff []time.Duration) Option {
	return func(e *Embedder) {
		e.retryBackoff = backoff
	}
}

// New creates a new OpenAI embedder with the given options.
func New(opts ...Option) *Embedder {
	e := &Embedder{
		model:        DefaultModel,
		dimensions:   DefaultDimensions,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}

	var clientOpts []option.RequestOption
	if e.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(e.apiKey))
	}
	if e.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(e.baseURL))
	}
	// Retries are handled here with our own backoff ladder.
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	e.client = openai.NewClient(clientOpts...)
	return e
}

// GetEmbedding implements the embedder.Embedder interface for a single text.
func (e *Embedder) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	vectors, err := e.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		log.Warnf("received empty embedding vector from API for model %s", e.model)
		return []float64{}, nil
	}
	return vectors[0], nil
}

// GetEmbeddings implements the embedder.Embedder interface for a batch of
// texts. Inputs are split into API calls of at most maxBatchSize each and the
// results are returned in input order.
func (e *Embedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("text at index %d cannot be empty", i)
		}
	}

	vectors := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings for batch starting at %d: %w", start, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// GetDimensions implements the embedder.Embedder interface.
func (e *Embedder) GetDimensions() int {
	return e.dimensions
}

// embedWithRetry wraps embed with retry logic.
func (e *Embedder) embedWithRetry(ctx context.Context, texts []string) ([][]float64, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		vectors, err := e.embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if attempt >= e.maxRetries {
			break
		}

		backoff := e.getBackoffDuration(attempt)
		if backoff > 0 {
			log.Infof("embedding request failed, retrying in %v (attempt %d/%d): %v",
				backoff, attempt+1, e.maxRetries, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		} else {
			log.Infof("embedding request failed, retrying immediately (attempt %d/%d): %v",
				attempt+1, e.maxRetries, err)
		}
	}
	return nil, lastErr
}

// getBackoffDuration returns the backoff duration for the given attempt.
// Attempts beyond the slice length reuse the last duration.
func (e *Embedder) getBackoffDuration(attempt int) time.Duration {
	if len(e.retryBackoff) == 0 {
		return 0
	}
	if attempt < len(e.retryBackoff) {
		return e.retryBackoff[attempt]
	}
	return e.retryBackoff[len(e.retryBackoff)-1]
}

// embed performs one embeddings API call and returns the vectors in input
// order.
func (e *Embedder) embed(ctx context.Context, texts []string) (vectors [][]float64, err error) {
	ctx, span := telemetry.Tracer.Start(ctx, telemetry.SpanName(telemetry.OperationEmbed, e.model))
	span.SetAttributes(
		attribute.String(telemetry.KeyRequestModel, e.model),
		attribute.Int(telemetry.KeyEmbedBatchSize, len(texts)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	request := openai.EmbeddingNewParams{
		Model: e.model,
	}
	if len(texts) == 1 {
		request.Input = openai.EmbeddingNewParamsInputUnion{OfString: openai.String(texts[0])}
	} else {
		request.Input = openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts}
	}
	if e.user != "" {
		request.User = openai.String(e.user)
	}
	if isTextEmbedding3Model(e.model) {
		request.Dimensions = openai.Int(int64(e.dimensions))
	}

	requestOpts := make([]option.RequestOption, len(e.requestOptions))
	copy(requestOpts, e.requestOptions)

	response, err := e.client.Embeddings.New(ctx, request, requestOpts...)
	if err != nil {
		return nil, err
	}
	if len(response.Data) == 0 {
		log.Warnf("received empty embedding response from API for model %s", e.model)
		return make([][]float64, len(texts)), nil
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs",
			len(response.Data), len(texts))
	}

	vectors = make([][]float64, len(texts))
	for _, data := range response.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", idx)
		}
		vectors[idx] = data.Embedding
	}
	return vectors, nil
}

// isTextEmbedding3Model checks if the model is a text-embedding-3 series model.
func isTextEmbedding3Model(model string) bool {
	return strings.HasPrefix(model, textEmbedding3Prefix)
}
