//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package searchfilter

import "sort"

// Equal creates a condition for equality comparison.
func Equal(field string, value any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorEqual,
		Value:    value,
	}
}

// NotEqual creates a condition for inequality comparison.
func NotEqual(field string, value any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorNotEqual,
		Value:    value,
	}
}

// GreaterThan creates a condition for greater than comparison.
func GreaterThan(field string, value any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorGreaterThan,
		Value:    value,
	}
}

// GreaterThanOrEqual creates a condition for greater than or equal comparison.
func GreaterThanOrEqual(field string, value any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorGreaterThanOrEqual,
		Value:    value,
	}
}

// LessThan creates a condition for less than comparison.
func LessThan(field string, value any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorLessThan,
		Value:    value,
	}
}

// LessThanOrEqual creates a condition for less than or equal comparison.
func LessThanOrEqual(field string, value any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorLessThanOrEqual,
		Value:    value,
	}
}

// In creates a condition for the IN operator.
func In(field string, values ...any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorIn,
		Value:    values,
	}
}

// NotIn creates a condition for the NOT IN operator.
func NotIn(field string, values ...any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorNotIn,
		Value:    values,
	}
}

// Like creates a condition matching values that contain the substring.
func Like(field string, substring string) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorLike,
		Value:    substring,
	}
}

// NotLike creates a condition matching values that lack the substring.
func NotLike(field string, substring string) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorNotLike,
		Value:    substring,
	}
}

// Between creates a condition for the BETWEEN operator, inclusive on both
// ends.
func Between(field string, min, max any) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Field:    field,
		Operator: OperatorBetween,
		Value:    []any{min, max},
	}
}

// And creates a condition that combines multiple conditions with AND logic.
func And(conditions ...*UniversalFilterCondition) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Operator: OperatorAnd,
		Value:    conditions,
	}
}

// Or creates a condition that combines multiple conditions with OR logic.
func Or(conditions ...*UniversalFilterCondition) *UniversalFilterCondition {
	return &UniversalFilterCondition{
		Operator: OperatorOr,
		Value:    conditions,
	}
}

// FromMap converts a plain field-to-value map into an equality condition
// tree, combining multiple fields with AND. Keys are visited in sorted order
// so the result is deterministic. Nil and empty maps yield a nil condition,
// which matches everything.
func FromMap(fields map[string]any) *UniversalFilterCondition {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) == 1 {
		return Equal(keys[0], fields[keys[0]])
	}
	conditions := make([]*UniversalFilterCondition, 0, len(keys))
	for _, k := range keys {
		conditions = append(conditions, Equal(k, fields[k]))
	}
	return And(conditions...)
}
