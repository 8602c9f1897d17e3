package server

import (
	"net/url"
	"strings"
)

// Params collects request parameters from the query string, urlencoded
// bodies, multipart fields and route captures, in that order of
// accumulation. A key holds one value when it appeared once and an ordered
// sequence when it appeared multiple times.
type Params map[string][]string

// Add appends a value for key, preserving arrival order.
func (p Params) Add(key, value string) {
	p[key] = append(p[key], value)
}

// Set replaces any existing values for key with a single value.
func (p Params) Set(key, value string) {
	p[key] = []string{value}
}

// Get returns the first value for key, or "".
func (p Params) Get(key string) string {
	if v := p[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// All returns every value for key in arrival order.
func (p Params) All(key string) []string {
	return p[key]
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// IsMulti reports whether key accumulated more than one value.
func (p Params) IsMulti(key string) bool {
	return len(p[key]) > 1
}

// parseQueryString decodes a query string into p. Pairs are separated by
// "&" or ";". When keepBlank is false, pairs with an empty value are
// dropped. Undecodable escapes leave the raw text in place.
func (p Params) parseQueryString(qs string, keepBlank bool) {
	for _, pair := range strings.FieldsFunc(qs, func(r rune) bool { return r == '&' || r == ';' }) {
		key, value, _ := strings.Cut(pair, "=")
		if value == "" && !keepBlank {
			continue
		}
		p.Add(queryUnescape(key), queryUnescape(value))
	}
}

func queryUnescape(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}
