//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package searchfilter

import (
	"fmt"
	"reflect"
	"strings"
)

// Evaluate reports whether the metadata satisfies the condition. A nil
// condition matches everything. Unknown operators and malformed composite
// values return an error; a type mismatch between the stored value and the
// condition value simply fails the condition.
//
// Missing fields follow exclusion semantics: $ne, $nin and $nlike match an
// absent field, every other operator does not.
func Evaluate(cond *UniversalFilterCondition, metadata map[string]any) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch cond.Operator {
	case OperatorAnd:
		children, err := childConditions(cond.Value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", OperatorAnd, err)
		}
		for _, child := range children {
			ok, err := Evaluate(child, metadata)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OperatorOr:
		children, err := childConditions(cond.Value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", OperatorOr, err)
		}
		for _, child := range children {
			ok, err := Evaluate(child, metadata)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	var actual any
	var present bool
	if metadata != nil {
		actual, present = metadata[cond.Field]
	}

	switch cond.Operator {
	case OperatorEqual:
		return present && looseEqual(actual, cond.Value), nil
	case OperatorNotEqual:
		return !present || !looseEqual(actual, cond.Value), nil
	case OperatorGreaterThan:
		cmp, ok := compareValues(actual, cond.Value)
		return present && ok && cmp > 0, nil
	case OperatorGreaterThanOrEqual:
		cmp, ok := compareValues(actual, cond.Value)
		return present && ok && cmp >= 0, nil
	case OperatorLessThan:
		cmp, ok := compareValues(actual, cond.Value)
		return present && ok && cmp < 0, nil
	case OperatorLessThanOrEqual:
		cmp, ok := compareValues(actual, cond.Value)
		return present && ok && cmp <= 0, nil
	case OperatorIn:
		values, err := valueList(cond.Value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", OperatorIn, err)
		}
		return present && containsValue(values, actual), nil
	case OperatorNotIn:
		values, err := valueList(cond.Value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", OperatorNotIn, err)
		}
		return !present || !containsValue(values, actual), nil
	case OperatorLike:
		text, tok := actual.(string)
		sub, sok := cond.Value.(string)
		return present && tok && sok && strings.Contains(text, sub), nil
	case OperatorNotLike:
		if !present {
			return true, nil
		}
		text, tok := actual.(string)
		sub, sok := cond.Value.(string)
		return tok && sok && !strings.Contains(text, sub), nil
	case OperatorBetween:
		values, err := valueList(cond.Value)
		if err != nil {
			return false, fmt.Errorf("%s: %w", OperatorBetween, err)
		}
		if len(values) != 2 {
			return false, fmt.Errorf("%s: expected [min, max], got %d values", OperatorBetween, len(values))
		}
		low, lok := compareValues(actual, values[0])
		high, hok := compareValues(actual, values[1])
		return present && lok && hok && low >= 0 && high <= 0, nil
	default:
		return false, fmt.Errorf("unsupported filter operator: %q", cond.Operator)
	}
}

// childConditions extracts the child conditions of a composite operator.
func childConditions(value any) ([]*UniversalFilterCondition, error) {
	switch v := value.(type) {
	case []*UniversalFilterCondition:
		return v, nil
	case []any:
		out := make([]*UniversalFilterCondition, 0, len(v))
		for _, item := range v {
			cond, ok := item.(*UniversalFilterCondition)
			if !ok {
				return nil, fmt.Errorf("composite value must hold conditions, got %T", item)
			}
			out = append(out, cond)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("composite value must hold conditions, got %T", value)
	}
}

// valueList normalizes a list-valued operand to []any.
func valueList(value any) ([]any, error) {
	if list, ok := value.([]any); ok {
		return list, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, fmt.Errorf("operator value must be a list, got %T", value)
}

func containsValue(values []any, actual any) bool {
	for _, v := range values {
		if looseEqual(actual, v) {
			return true
		}
	}
	return false
}

// looseEqual compares with numeric widening so values decoded from JSON
// (always float64) match their integer counterparts.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareValues returns -1, 0 or 1 ordering a relative to b. ok is false
// when the two values are not comparable.
func compareValues(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
