// Package classify maps failures to a category and retry policy using an
// ordered list of condition rules. It is pure and holds no state between calls.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/everydev1618/threads/condition"
)

// Category is the class a failure falls into.
type Category string

const (
	Transient     Category = "transient"
	RateLimited   Category = "rate_limited"
	Permanent     Category = "permanent"
	Cancelled     Category = "cancelled"
	Quota         Category = "quota"
	LimitExceeded Category = "limit_exceeded"
)

// Rule matches an error context document. The first matching rule wins.
type Rule struct {
	ID        string               `yaml:"id" toml:"id" json:"id"`
	Match     *condition.Condition `yaml:"match" toml:"match" json:"match"`
	Category  Category             `yaml:"category" toml:"category" json:"category"`
	Retryable bool                 `yaml:"retryable" toml:"retryable" json:"retryable"`
	Policy    *RetryPolicy         `yaml:"retry_policy,omitempty" toml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
}

// Classification is the outcome of Classify.
type Classification struct {
	Category  Category
	Retryable bool
	Policy    *RetryPolicy
	// Code is the id of the matching rule, empty for the default.
	Code string
}

// Classifier holds an ordered rule list and a fallback.
type Classifier struct {
	rules    []Rule
	fallback Classification
}

// New returns a classifier. A nil fallback means permanent, not retryable.
func New(rules []Rule, fallback *Classification) *Classifier {
	c := &Classifier{
		rules:    append([]Rule(nil), rules...),
		fallback: Classification{Category: Permanent},
	}
	if fallback != nil {
		c.fallback = *fallback
		if c.fallback.Category == "" {
			c.fallback.Category = Permanent
		}
	}
	return c
}

// Default returns a classifier with the built-in rule set.
func Default() *Classifier {
	return New(DefaultRules(), nil)
}

// DefaultRules covers cancellation, provider rate limits, overload and
// server errors, and network timeouts.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "cancelled",
			Match:    condition.Leaf("error.type", condition.OpEq, "cancelled"),
			Category: Cancelled,
		},
		{
			ID:        "rate_limited",
			Match:     condition.Leaf("status_code", condition.OpEq, 429),
			Category:  RateLimited,
			Retryable: true,
			Policy: &RetryPolicy{
				Type:     PolicyHeader,
				Header:   "retry-after",
				Fallback: &RetryPolicy{Type: PolicyExponential, Base: 2, Max: 60},
			},
		},
		{
			ID:       "quota",
			Match:    condition.Leaf("error.type", condition.OpEq, "insufficient_quota"),
			Category: Quota,
		},
		{
			ID: "overloaded",
			Match: condition.AnyOf(
				condition.Leaf("status_code", condition.OpIn, []any{500, 502, 503, 504, 529}),
				condition.Leaf("error.type", condition.OpEq, "overloaded_error"),
			),
			Category:  Transient,
			Retryable: true,
			Policy:    &RetryPolicy{Type: PolicyExponential, Base: 2, Max: 30},
		},
		{
			ID: "timeout",
			Match: condition.AnyOf(
				condition.Leaf("error.type", condition.OpEq, "timeout"),
				condition.Leaf("error.message", condition.OpRegex, `(?i)timeout|timed out|connection reset`),
			),
			Category:  Transient,
			Retryable: true,
			Policy:    &RetryPolicy{Type: PolicyExponential, Base: 2, Max: 30},
		},
	}
}

// Rules returns a copy of the rule list.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify builds the error context for err and classifies it.
func (c *Classifier) Classify(err error) Classification {
	return c.ClassifyContext(Context(err))
}

// ClassifyContext classifies an already built error context document.
func (c *Classifier) ClassifyContext(doc map[string]any) Classification {
	for _, r := range c.rules {
		if r.Match == nil {
			continue
		}
		if condition.Matches(doc, r.Match) {
			cat := r.Category
			if cat == "" {
				cat = Permanent
			}
			return Classification{Category: cat, Retryable: r.Retryable, Policy: r.Policy, Code: r.ID}
		}
	}
	return c.fallback
}

// ProviderError is the error shape provider adapters return so that
// classification can see status codes and response headers.
type ProviderError struct {
	Provider   string
	Type       string
	Message    string
	StatusCode int
	Headers    http.Header
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "status %d: ", e.StatusCode)
	}
	if e.Type != "" {
		b.WriteString(e.Type)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Context renders err as the document classification rules match against:
// {error: {type, message, code}, status_code, headers}. Header names are
// lower-cased.
func Context(err error) map[string]any {
	errDoc := map[string]any{"message": ""}
	doc := map[string]any{"error": errDoc, "headers": map[string]any{}}
	if err == nil {
		return doc
	}
	errDoc["message"] = err.Error()
	errDoc["type"] = fmt.Sprintf("%T", err)

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Type != "" {
			errDoc["type"] = pe.Type
		}
		if pe.StatusCode != 0 {
			doc["status_code"] = pe.StatusCode
			errDoc["code"] = strconv.Itoa(pe.StatusCode)
		}
		headers := make(map[string]any, len(pe.Headers))
		for k, v := range pe.Headers {
			if len(v) > 0 {
				headers[strings.ToLower(k)] = v[0]
			}
		}
		doc["headers"] = headers
	}

	switch {
	case errors.Is(err, context.Canceled):
		errDoc["type"] = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		errDoc["type"] = "timeout"
	}
	return doc
}
