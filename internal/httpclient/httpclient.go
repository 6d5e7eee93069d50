//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package httpclient builds the outbound HTTP clients. All clients share one
// pooled transport so the proxy, the reranker and the embedding backend reuse
// connections instead of each growing a private pool.
package httpclient

import (
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds outbound calls that do not override it.
const DefaultTimeout = 30 * time.Second

var (
	transportOnce sync.Once
	transport     *http.Transport
)

// Transport returns the shared pooled transport.
func Transport() *http.Transport {
	transportOnce.Do(func() {
		transport = http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = 100
		transport.MaxIdleConnsPerHost = 32
		transport.IdleConnTimeout = 90 * time.Second
	})
	return transport
}

// Option configures a client.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout sets the whole-request timeout. Zero disables it; streaming
// callers must do that and bound the request through its context instead.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// New returns a client over the shared pooled transport.
func New(opts ...Option) *http.Client {
	o := &options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(o)
	}
	return &http.Client{
		Transport: Transport(),
		Timeout:   o.timeout,
	}
}
