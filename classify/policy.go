package classify

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// PolicyType selects how a retry delay is computed.
type PolicyType string

const (
	PolicyExponential PolicyType = "exponential"
	PolicyFixed       PolicyType = "fixed"
	PolicyHeader      PolicyType = "header"
)

// Defaults applied when a policy leaves a field unset, in seconds.
const (
	DefaultBase       = 2.0
	DefaultMax        = 120.0
	DefaultFixedDelay = 60.0
)

// RetryPolicy describes a backoff. Durations are in seconds.
type RetryPolicy struct {
	Type         PolicyType   `yaml:"type" toml:"type" json:"type"`
	Base         float64      `yaml:"base,omitempty" toml:"base,omitempty" json:"base,omitempty"`
	Max          float64      `yaml:"max,omitempty" toml:"max,omitempty" json:"max,omitempty"`
	DelaySeconds float64      `yaml:"delay,omitempty" toml:"delay,omitempty" json:"delay,omitempty"`
	Header       string       `yaml:"header,omitempty" toml:"header,omitempty" json:"header,omitempty"`
	Fallback     *RetryPolicy `yaml:"fallback,omitempty" toml:"fallback,omitempty" json:"fallback,omitempty"`
}

// Delay returns how long to wait before retry number attempt (zero based).
// headers may be nil; they are consulted only by header policies.
func (p *RetryPolicy) Delay(attempt int, headers http.Header) time.Duration {
	if p == nil {
		return 0
	}
	switch p.Type {
	case PolicyExponential:
		base := p.Base
		if base <= 0 {
			base = DefaultBase
		}
		max := p.Max
		if max <= 0 {
			max = DefaultMax
		}
		if attempt < 0 {
			attempt = 0
		}
		return seconds(math.Min(base*math.Pow(2, float64(attempt)), max))
	case PolicyFixed:
		d := p.DelaySeconds
		if d <= 0 {
			d = DefaultFixedDelay
		}
		return seconds(d)
	case PolicyHeader:
		name := p.Header
		if name == "" {
			name = "Retry-After"
		}
		if d, ok := parseRetryAfter(headers.Get(name), time.Now()); ok {
			return d
		}
		return p.Fallback.Delay(attempt, headers)
	}
	return 0
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return seconds(secs), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// HeadersFromMap rebuilds http.Header from the lower-cased map stored in an
// error context document.
func HeadersFromMap(m map[string]any) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			h.Set(k, s)
		}
	}
	return h
}
