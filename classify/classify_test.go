package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/threads/condition"
)

func TestClassifyDefaults(t *testing.T) {
	c := Default()

	tests := []struct {
		name      string
		err       error
		category  Category
		retryable bool
		code      string
	}{
		{"rate limited", &ProviderError{StatusCode: 429, Message: "slow down"}, RateLimited, true, "rate_limited"},
		{"overloaded", &ProviderError{StatusCode: 529, Message: "overloaded"}, Transient, true, "overloaded"},
		{"server error", &ProviderError{StatusCode: 502}, Transient, true, "overloaded"},
		{"bad request", &ProviderError{StatusCode: 400, Message: "invalid"}, Permanent, false, ""},
		{"timeout text", errors.New("dial tcp: i/o timeout"), Transient, true, "timeout"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Transient, true, "timeout"},
		{"cancelled", context.Canceled, Cancelled, false, "cancelled"},
		{"quota", &ProviderError{StatusCode: 403, Type: "insufficient_quota"}, Quota, false, "quota"},
		{"unknown", errors.New("boom"), Permanent, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.Equal(t, tt.code, got.Code)
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	c := New([]Rule{
		{ID: "first", Match: condition.Leaf("error.message", condition.OpContains, "boom"), Category: Transient, Retryable: true},
		{ID: "second", Match: condition.Leaf("error.message", condition.OpContains, "boom"), Category: Permanent},
	}, &Classification{Category: Quota})

	assert.Equal(t, "first", c.Classify(errors.New("boom")).Code)
	assert.Equal(t, Quota, c.Classify(errors.New("other")).Category)
}

func TestContextDocument(t *testing.T) {
	err := &ProviderError{
		Provider:   "anthropic",
		Type:       "rate_limit_error",
		Message:    "too many",
		StatusCode: 429,
		Headers:    http.Header{"Retry-After": []string{"7"}},
	}
	doc := Context(fmt.Errorf("turn 2: %w", err))

	v, ok := condition.Resolve(doc, "status_code")
	require.True(t, ok)
	assert.Equal(t, 429, v)

	v, ok = condition.Resolve(doc, "headers.retry-after")
	require.True(t, ok)
	assert.Equal(t, "7", v)

	v, _ = condition.Resolve(doc, "error.type")
	assert.Equal(t, "rate_limit_error", v)
	v, _ = condition.Resolve(doc, "error.code")
	assert.Equal(t, "429", v)
}

func TestExponentialDelay(t *testing.T) {
	p := &RetryPolicy{Type: PolicyExponential, Base: 2, Max: 30}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		assert.Equal(t, w, p.Delay(attempt, nil), "attempt %d", attempt)
	}

	defaults := &RetryPolicy{Type: PolicyExponential}
	assert.Equal(t, 2*time.Second, defaults.Delay(0, nil))
	assert.Equal(t, 120*time.Second, defaults.Delay(10, nil))
}

func TestFixedDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, (&RetryPolicy{Type: PolicyFixed, DelaySeconds: 5}).Delay(3, nil))
	assert.Equal(t, 60*time.Second, (&RetryPolicy{Type: PolicyFixed}).Delay(0, nil))
}

func TestHeaderDelay(t *testing.T) {
	p := &RetryPolicy{
		Type:     PolicyHeader,
		Header:   "retry-after",
		Fallback: &RetryPolicy{Type: PolicyFixed, DelaySeconds: 9},
	}
	h := http.Header{}
	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, p.Delay(0, h))

	assert.Equal(t, 9*time.Second, p.Delay(0, nil), "missing header uses fallback")

	h.Set("Retry-After", "soon")
	assert.Equal(t, 9*time.Second, p.Delay(0, h), "unparseable header uses fallback")

	date := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	h.Set("Retry-After", date)
	d := p.Delay(0, h)
	assert.Greater(t, d, 58*time.Minute)

	var none *RetryPolicy
	assert.Zero(t, none.Delay(1, nil))
}

func TestHeadersFromMap(t *testing.T) {
	doc := Context(&ProviderError{StatusCode: 429, Headers: http.Header{"Retry-After": []string{"4"}}})
	h := HeadersFromMap(doc["headers"].(map[string]any))
	assert.Equal(t, "4", h.Get("Retry-After"))
}
