//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package searchfilter provides universal filter conditions evaluated against
// document metadata by the vector store implementations.
package searchfilter

const (
	// OperatorAnd combines conditions, all of which must match.
	OperatorAnd = "$and"

	// OperatorOr combines conditions, any of which may match.
	OperatorOr = "$or"

	// OperatorEqual is the equality operator.
	OperatorEqual = "$eq"

	// OperatorNotEqual is the inequality operator.
	OperatorNotEqual = "$ne"

	// OperatorGreaterThan is the "greater than" operator.
	OperatorGreaterThan = "$gt"

	// OperatorGreaterThanOrEqual is the "greater than or equal" operator.
	OperatorGreaterThanOrEqual = "$gte"

	// OperatorLessThan is the "less than" operator.
	OperatorLessThan = "$lt"

	// OperatorLessThanOrEqual is the "less than or equal" operator.
	OperatorLessThanOrEqual = "$lte"

	// OperatorIn matches when the field value equals any listed value.
	OperatorIn = "$in"

	// OperatorNotIn matches when the field value equals no listed value.
	OperatorNotIn = "$nin"

	// OperatorLike matches when the field value contains the substring.
	OperatorLike = "$like"

	// OperatorNotLike matches when the field value lacks the substring.
	OperatorNotLike = "$nlike"

	// OperatorBetween matches when the field value lies in [min, max].
	OperatorBetween = "$between"
)

// UniversalFilterCondition represents a single condition for a search filter.
// Composite operators ($and, $or) carry child conditions in Value and leave
// Field empty.
type UniversalFilterCondition struct {
	// Field is the metadata field to filter on.
	Field string

	// Operator is the comparison operator (e.g. "$eq", "$gt", "$and").
	Operator string

	// Value is the value to compare against.
	Value any
}
