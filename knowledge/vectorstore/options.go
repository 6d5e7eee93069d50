//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package vectorstore

import (
	"fmt"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/searchfilter"
)

// DeleteConfig collects the criteria for a Delete call.
type DeleteConfig struct {
	// DocumentIDs lists explicit documents to delete.
	DocumentIDs []string
	// Filter holds plain equality requirements, AND-ed together.
	Filter map[string]any
	// FilterCondition holds an operator tree for richer criteria.
	FilterCondition *searchfilter.UniversalFilterCondition
	// DeleteAll wipes the store when true.
	DeleteAll bool
}

// DeleteOption configures a Delete call.
type DeleteOption func(*DeleteConfig)

// WithDeleteDocumentIDs deletes the listed document IDs.
func WithDeleteDocumentIDs(ids []string) DeleteOption {
	return func(c *DeleteConfig) {
		c.DocumentIDs = ids
	}
}

// WithDeleteFilter deletes documents whose metadata matches all entries.
func WithDeleteFilter(filter map[string]any) DeleteOption {
	return func(c *DeleteConfig) {
		c.Filter = filter
	}
}

// WithDeleteFilterCondition deletes documents matching the condition tree.
func WithDeleteFilterCondition(cond *searchfilter.UniversalFilterCondition) DeleteOption {
	return func(c *DeleteConfig) {
		c.FilterCondition = cond
	}
}

// WithDeleteAll deletes every document in the store.
func WithDeleteAll(all bool) DeleteOption {
	return func(c *DeleteConfig) {
		c.DeleteAll = all
	}
}

// ApplyDeleteOptions builds a DeleteConfig from options.
func ApplyDeleteOptions(opts ...DeleteOption) *DeleteConfig {
	config := &DeleteConfig{}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

// HasCriteria reports whether the config names anything to delete.
func (c *DeleteConfig) HasCriteria() bool {
	return c.DeleteAll || len(c.DocumentIDs) > 0 || len(c.Filter) > 0 || c.FilterCondition != nil
}

// CountConfig collects the criteria for a Count call.
type CountConfig struct {
	// Filter holds plain equality requirements, AND-ed together.
	Filter map[string]any
	// FilterCondition holds an operator tree for richer criteria.
	FilterCondition *searchfilter.UniversalFilterCondition
}

// CountOption configures a Count call.
type CountOption func(*CountConfig)

// WithCountFilter counts documents whose metadata matches all entries.
func WithCountFilter(filter map[string]any) CountOption {
	return func(c *CountConfig) {
		c.Filter = filter
	}
}

// WithCountFilterCondition counts documents matching the condition tree.
func WithCountFilterCondition(cond *searchfilter.UniversalFilterCondition) CountOption {
	return func(c *CountConfig) {
		c.FilterCondition = cond
	}
}

// ApplyCountOptions builds a CountConfig from options.
func ApplyCountOptions(opts ...CountOption) *CountConfig {
	config := &CountConfig{}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

// GetMetadataConfig collects the criteria for a GetMetadata call.
type GetMetadataConfig struct {
	// IDs restricts the result to the listed document IDs.
	IDs []string
	// Filter holds plain equality requirements, AND-ed together.
	Filter map[string]any
	// FilterCondition holds an operator tree for richer criteria.
	FilterCondition *searchfilter.UniversalFilterCondition
	// Limit caps the result size; -1 means unlimited.
	Limit int
	// Offset skips results in document-ID order; -1 means none.
	Offset int
}

// GetMetadataOption configures a GetMetadata call.
type GetMetadataOption func(*GetMetadataConfig)

// WithGetMetadataIDs restricts the result to the listed document IDs.
func WithGetMetadataIDs(ids []string) GetMetadataOption {
	return func(c *GetMetadataConfig) {
		c.IDs = ids
	}
}

// WithGetMetadataFilter restricts the result to matching metadata.
func WithGetMetadataFilter(filter map[string]any) GetMetadataOption {
	return func(c *GetMetadataConfig) {
		c.Filter = filter
	}
}

// WithGetMetadataFilterCondition restricts the result to the condition tree.
func WithGetMetadataFilterCondition(cond *searchfilter.UniversalFilterCondition) GetMetadataOption {
	return func(c *GetMetadataConfig) {
		c.FilterCondition = cond
	}
}

// WithGetMetadataLimit caps the result size. Use -1 for unlimited.
func WithGetMetadataLimit(limit int) GetMetadataOption {
	return func(c *GetMetadataConfig) {
		c.Limit = limit
	}
}

// WithGetMetadataOffset skips results in document-ID order.
func WithGetMetadataOffset(offset int) GetMetadataOption {
	return func(c *GetMetadataConfig) {
		c.Offset = offset
	}
}

// ApplyGetMetadataOptions builds a GetMetadataConfig from options and
// validates the pagination fields.
func ApplyGetMetadataOptions(opts ...GetMetadataOption) (*GetMetadataConfig, error) {
	config := &GetMetadataConfig{Limit: -1, Offset: -1}
	for _, opt := range opts {
		opt(config)
	}
	if config.Limit == 0 || config.Limit < -1 {
		return nil, fmt.Errorf("limit must be positive, or -1 for unlimited, got %d", config.Limit)
	}
	if config.Limit == -1 && config.Offset > 0 {
		return nil, fmt.Errorf("offset requires a positive limit")
	}
	return config, nil
}
