//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package jsonrepair normalizes the JSON-ish text language models produce
// into strict JSON. It extracts the first object or array from surrounding
// prose and markdown fences, converts single and smart quotes, quotes bare
// object keys, rewrites Python literals, escapes raw control characters
// inside strings, and drops trailing commas and comments.
package jsonrepair

import "fmt"

// Repair rewrites input into strict JSON. It fails when no object or array
// is present or the structure is too damaged to close.
func Repair(input []byte) ([]byte, error) {
	p := &parser{src: []rune(string(input))}
	start := p.findStart()
	if start < 0 {
		return nil, fmt.Errorf("no JSON object or array in input")
	}
	p.i = start
	if err := p.value(); err != nil {
		return nil, err
	}
	return []byte(string(p.out)), nil
}

type parser struct {
	src []rune
	i   int
	out []rune
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf(format+" at position %d", append(args, p.i)...)
}

func (p *parser) emit(runes ...rune) {
	p.out = append(p.out, runes...)
}

// findStart locates the first structural opener, skipping any preamble the
// model wrote around the payload.
func (p *parser) findStart() int {
	for i, r := range p.src {
		if r == '{' || r == '[' {
			return i
		}
	}
	return -1
}

// skipNoise consumes whitespace, line and block comments, and stray
// backticks between tokens.
func (p *parser) skipNoise() {
	for p.i < len(p.src) {
		r := p.src[p.i]
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '`':
			p.i++
		case r == '/' && p.i+1 < len(p.src) && p.src[p.i+1] == '/':
			for p.i < len(p.src) && p.src[p.i] != '\n' {
				p.i++
			}
		case r == '/' && p.i+1 < len(p.src) && p.src[p.i+1] == '*':
			p.i += 2
			for p.i+1 < len(p.src) && !(p.src[p.i] == '*' && p.src[p.i+1] == '/') {
				p.i++
			}
			p.i += 2
		default:
			return
		}
	}
}

func (p *parser) value() error {
	p.skipNoise()
	if p.i >= len(p.src) {
		return p.errf("unexpected end of input")
	}
	switch r := p.src[p.i]; {
	case r == '{':
		return p.object()
	case r == '[':
		return p.array()
	case closingQuote(r) != 0:
		return p.str()
	case r == '-' || r == '+' || r == '.' || (r >= '0' && r <= '9'):
		p.number()
		return nil
	default:
		return p.word()
	}
}

func (p *parser) object() error {
	p.emit('{')
	p.i++
	for {
		p.skipNoise()
		if p.i >= len(p.src) {
			return p.errf("unterminated object")
		}
		if p.src[p.i] == '}' {
			p.emit('}')
			p.i++
			return nil
		}
		if err := p.key(); err != nil {
			return err
		}
		p.skipNoise()
		if p.i >= len(p.src) || p.src[p.i] != ':' {
			return p.errf("missing ':' after object key")
		}
		p.emit(':')
		p.i++
		if err := p.value(); err != nil {
			return err
		}
		p.skipNoise()
		if p.i >= len(p.src) {
			return p.errf("unterminated object")
		}
		switch p.src[p.i] {
		case ',':
			p.i++
			p.skipNoise()
			if p.i < len(p.src) && p.src[p.i] == '}' {
				continue // trailing comma
			}
			p.emit(',')
		case '}':
			p.emit('}')
			p.i++
			return nil
		default:
			return p.errf("expected ',' or '}' in object")
		}
	}
}

func (p *parser) array() error {
	p.emit('[')
	p.i++
	for {
		p.skipNoise()
		if p.i >= len(p.src) {
			return p.errf("unterminated array")
		}
		if p.src[p.i] == ']' {
			p.emit(']')
			p.i++
			return nil
		}
		if err := p.value(); err != nil {
			return err
		}
		p.skipNoise()
		if p.i >= len(p.src) {
			return p.errf("unterminated array")
		}
		switch p.src[p.i] {
		case ',':
			p.i++
			p.skipNoise()
			if p.i < len(p.src) && p.src[p.i] == ']' {
				continue // trailing comma
			}
			p.emit(',')
		case ']':
			p.emit(']')
			p.i++
			return nil
		default:
			return p.errf("expected ',' or ']' in array")
		}
	}
}

// key emits an object key as a double-quoted string, quoting bare
// identifiers the model left unquoted.
func (p *parser) key() error {
	if closingQuote(p.src[p.i]) != 0 {
		return p.str()
	}
	start := p.i
	for p.i < len(p.src) && isIdentRune(p.src[p.i]) {
		p.i++
	}
	if p.i == start {
		return p.errf("invalid object key")
	}
	p.emit('"')
	p.emit(p.src[start:p.i]...)
	p.emit('"')
	return nil
}

// str emits a string delimited by ", ', or smart quotes as a strict JSON
// string: raw control characters are escaped and embedded double quotes in
// single-quoted strings are protected.
func (p *parser) str() error {
	closer := closingQuote(p.src[p.i])
	p.i++
	p.emit('"')
	for p.i < len(p.src) {
		r := p.src[p.i]
		switch {
		case r == closer:
			p.emit('"')
			p.i++
			return nil
		case r == '\\' && p.i+1 < len(p.src):
			next := p.src[p.i+1]
			if next == '\'' {
				p.emit('\'') // \' is not a JSON escape
			} else {
				p.emit('\\', next)
			}
			p.i += 2
		case r == '"':
			p.emit('\\', '"')
			p.i++
		case r == '\n':
			p.emit('\\', 'n')
			p.i++
		case r == '\r':
			p.emit('\\', 'r')
			p.i++
		case r == '\t':
			p.emit('\\', 't')
			p.i++
		default:
			p.emit(r)
			p.i++
		}
	}
	return p.errf("unterminated string")
}

// number copies a numeric token, dropping a leading '+'.
func (p *parser) number() {
	if p.src[p.i] == '+' {
		p.i++
	}
	for p.i < len(p.src) {
		r := p.src[p.i]
		if r == '-' || r == '+' || r == '.' || r == 'e' || r == 'E' || (r >= '0' && r <= '9') {
			p.emit(r)
			p.i++
			continue
		}
		break
	}
}

// word handles bare literals: JSON keywords pass through, Python and
// JavaScript spellings are rewritten, anything else becomes a quoted
// string.
func (p *parser) word() error {
	start := p.i
	for p.i < len(p.src) && isIdentRune(p.src[p.i]) {
		p.i++
	}
	if p.i == start {
		return p.errf("unexpected character %q", string(p.src[p.i]))
	}
	switch w := string(p.src[start:p.i]); w {
	case "true", "false", "null":
		p.emit([]rune(w)...)
	case "True":
		p.emit([]rune("true")...)
	case "False":
		p.emit([]rune("false")...)
	case "None", "nil", "undefined", "NaN":
		p.emit([]rune("null")...)
	default:
		p.emit('"')
		p.emit([]rune(w)...)
		p.emit('"')
	}
	return nil
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || r == '-' || r == '.' ||
		(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// closingQuote maps an opening quote rune to its closer, or 0 when the rune
// does not open a string.
func closingQuote(r rune) rune {
	switch r {
	case '"', '\'':
		return r
	case '“': // left double smart quote
		return '”'
	case '‘': // left single smart quote
		return '’'
	}
	return 0
}
