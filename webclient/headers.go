/*
File: headers.go
Version: 1.0.0
Description: Response header accumulation: repeated keys are merged and folded continuation
             lines are appended to the previous value.
*/

package webclient

import (
	"strings"
)

// Header holds response headers exactly as the server spelled the keys.
// Repeated keys are merged into one value separated by "; ".
type Header map[string]string

// Get returns the value for key, falling back to a case-insensitive match.
func (h Header) Get(key string) string {
	if v, ok := h[key]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// headerAccumulator builds a Header from response lines with the line terminator removed.
type headerAccumulator struct {
	header  Header
	lastKey string
}

func newHeaderAccumulator() *headerAccumulator {
	return &headerAccumulator{header: make(Header)}
}

// addLine reports false for lines that are neither "Key: Value" nor a continuation.
func (a *headerAccumulator) addLine(line string) bool {
	if line == "" {
		return true
	}

	if line[0] == ' ' || line[0] == '\t' {
		if a.lastKey == "" {
			return false
		}
		if old, ok := a.header[a.lastKey]; ok {
			a.header[a.lastKey] = old + " " + strings.TrimLeft(line, " \t")
		}
		return true
	}

	key, value, ok := strings.Cut(line, ":")
	if !ok || key == "" {
		return false
	}
	value = strings.TrimLeft(value, " ")
	if old, exists := a.header[key]; exists {
		value = old + "; " + value
	}
	a.header[key] = value
	a.lastKey = key
	return true
}
