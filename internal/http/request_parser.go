// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data.
// The delivery form may arrive as JSON from the app script or as a plain
// form post.

package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"entregas/internal/core"
)

// maxBodyBytes bounds request bodies; a delivery form is a few dozen bytes.
const maxBodyBytes = 64 << 10

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON and form-encoded data.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]interface{}
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if p.body[0] == '{' {
		p.jsonData = make(map[string]interface{})
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.err = err
			return err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return sanitizeInput(stringValue(val))
		}
		return ""
	}
	if p.formData != nil {
		return sanitizeInput(p.formData.Get(key))
	}
	return ""
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// DeliveryInput is the add-delivery form.
type DeliveryInput struct {
	Date     core.Date
	Quantity int
}

// ParseDeliveryInput reads date and quantity from the request body. Both
// fields are required; the errors wrap core.ErrValidation.
func ParseDeliveryInput(r *http.Request) (DeliveryInput, error) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return DeliveryInput{}, fmt.Errorf("%w: malformed body: %v", core.ErrValidation, err)
	}

	date, err := core.ParseDate(p.Get("date"))
	if err != nil {
		return DeliveryInput{}, err
	}

	raw := p.Get("quantity")
	qty, err := strconv.Atoi(raw)
	if err != nil || qty <= 0 {
		return DeliveryInput{}, fmt.Errorf("%w: %q", core.ErrInvalidQuantity, raw)
	}

	return DeliveryInput{Date: date, Quantity: qty}, nil
}

// parseDeliveryID parses the {id} path segment.
func parseDeliveryID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid delivery id %q", core.ErrValidation, s)
	}
	return id, nil
}
