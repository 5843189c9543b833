// Package config loads the kernel's configuration from YAML or TOML and
// builds the configured components from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/chain"
	"github.com/everydev1618/threads/classify"
	"github.com/everydev1618/threads/harness"
)

// Config is the full configuration file.
type Config struct {
	Namespace    string       `yaml:"namespace,omitempty" toml:"namespace"`
	Model        string       `yaml:"model,omitempty" toml:"model"`
	Limits       LimitsConfig `yaml:"limits" toml:"limits"`
	Risk         RiskConfig   `yaml:"risk" toml:"risk"`
	Errors       ErrorsConfig `yaml:"errors" toml:"errors"`
	Hooks        HooksConfig  `yaml:"hooks" toml:"hooks"`
	Coordination Coordination `yaml:"coordination" toml:"coordination"`
	Chain        ChainConfig  `yaml:"chain" toml:"chain"`
	Storage      Storage      `yaml:"storage" toml:"storage"`
	Logging      Logging      `yaml:"logging" toml:"logging"`
}

// LimitsConfig is the file form of harness.Limits. Spend is a decimal
// string so no float rounding happens on the way in.
type LimitsConfig struct {
	Turns    int           `yaml:"turns,omitempty" toml:"turns"`
	Tokens   int           `yaml:"tokens,omitempty" toml:"tokens"`
	Spend    string        `yaml:"spend,omitempty" toml:"spend"`
	Spawns   int           `yaml:"spawns,omitempty" toml:"spawns"`
	Duration time.Duration `yaml:"duration,omitempty" toml:"duration"`
	Depth    int           `yaml:"depth,omitempty" toml:"depth"`
}

// RiskConfig classifies granted capabilities.
type RiskConfig struct {
	Rules        capability.RiskRules  `yaml:"rules,omitempty" toml:"rules"`
	Acknowledged []capability.RiskTier `yaml:"acknowledged,omitempty" toml:"acknowledged"`
	Bypass       []string              `yaml:"bypass,omitempty" toml:"bypass"`
}

// ErrorsConfig drives the error classifier.
type ErrorsConfig struct {
	Rules      []classify.Rule `yaml:"rules,omitempty" toml:"rules"`
	Default    *DefaultClass   `yaml:"default,omitempty" toml:"default"`
	MaxRetries int             `yaml:"max_retries,omitempty" toml:"max_retries"`
}

// DefaultClass is the classification used when no rule matches.
type DefaultClass struct {
	Category  classify.Category     `yaml:"category" toml:"category"`
	Retryable bool                  `yaml:"retryable" toml:"retryable"`
	Policy    *classify.RetryPolicy `yaml:"retry_policy,omitempty" toml:"retry_policy"`
}

// HooksConfig holds the builtin (layer 2) and infra (layer 3) hooks. The
// default builtin hooks are used when Builtin is empty unless
// DisableDefaults is set.
type HooksConfig struct {
	Builtin         []harness.HookSpec `yaml:"builtin,omitempty" toml:"builtin"`
	Infra           []harness.HookSpec `yaml:"infra,omitempty" toml:"infra"`
	DisableDefaults bool               `yaml:"disable_defaults,omitempty" toml:"disable_defaults"`
}

// Coordination tunes the orchestrator.
type Coordination struct {
	WaitTimeout         time.Duration `yaml:"wait_timeout,omitempty" toml:"wait_timeout"`
	ResumeCeilingTokens int           `yaml:"resume_ceiling_tokens,omitempty" toml:"resume_ceiling_tokens"`
	MaxThreads          int           `yaml:"max_threads,omitempty" toml:"max_threads"`
	// ContextPressure is the share of the model's context window at which a
	// thread hands off to a continuation.
	ContextPressure float64 `yaml:"context_pressure,omitempty" toml:"context_pressure"`
	// RateLimit is provider calls per second across the orchestrator; zero
	// disables limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty" toml:"rate_limit"`
	Burst     int     `yaml:"burst,omitempty" toml:"burst"`
}

// ChainConfig configures the executor chain resolver.
type ChainConfig struct {
	MaxDepth    int    `yaml:"max_depth,omitempty" toml:"max_depth"`
	LockfileDir string `yaml:"lockfile_dir,omitempty" toml:"lockfile_dir"`
	TrustDir    string `yaml:"trust_dir,omitempty" toml:"trust_dir"`
	ItemsDir    string `yaml:"items_dir,omitempty" toml:"items_dir"`
}

// Storage locates the SQLite databases.
type Storage struct {
	Path string `yaml:"path,omitempty" toml:"path"`
}

// Logging configures the zap logger.
type Logging struct {
	Level string `yaml:"level,omitempty" toml:"level"`
	JSON  bool   `yaml:"json,omitempty" toml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Namespace: capability.DefaultNamespace,
		Model:     "claude-sonnet-4-20250514",
		Limits: LimitsConfig{
			Turns:    25,
			Tokens:   200000,
			Spend:    "1.00",
			Spawns:   10,
			Duration: 600 * time.Second,
			Depth:    5,
		},
		Errors: ErrorsConfig{MaxRetries: 3},
		Coordination: Coordination{
			WaitTimeout:         600 * time.Second,
			ResumeCeilingTokens: 16000,
			MaxThreads:          100,
			ContextPressure:     0.9,
		},
		Chain: ChainConfig{
			MaxDepth:    chain.DefaultMaxDepth,
			LockfileDir: ".threads/lockfiles",
			TrustDir:    ".threads/trust",
			ItemsDir:    ".threads/items",
		},
		Storage: Storage{Path: ".threads/threads.db"},
		Logging: Logging{Level: "info"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext over the defaults.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		if unknown := unknownTOMLKeys(md); len(unknown) > 0 {
			return nil, fmt.Errorf("parse toml: unknown keys %v", unknown)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// freeFormTOMLKeys name fields decoded into maps or interfaces, whose nested
// keys the TOML decoder reports as undecoded.
var freeFormTOMLKeys = map[string]bool{
	"action": true, // harness.HookSpec.Action
	"value":  true, // condition.Condition.Value
}

// unknownTOMLKeys returns the undecoded keys that do not sit under a decoded
// free-form field.
func unknownTOMLKeys(md toml.MetaData) []toml.Key {
	undecoded := md.Undecoded()
	skipped := make(map[string]bool, len(undecoded))
	for _, k := range undecoded {
		skipped[k.String()] = true
	}
	var out []toml.Key
	for _, k := range undecoded {
		if !underFreeForm(k, skipped) {
			out = append(out, k)
		}
	}
	return out
}

func underFreeForm(k toml.Key, skipped map[string]bool) bool {
	for i := 0; i < len(k)-1; i++ {
		if freeFormTOMLKeys[k[i]] && !skipped[k[:i+1].String()] {
			return true
		}
	}
	return false
}

// Validate checks values the decoders cannot.
func (c *Config) Validate() error {
	if _, err := c.Limits.ToLimits(); err != nil {
		return err
	}
	if err := c.Risk.Rules.Validate(); err != nil {
		return err
	}
	for _, t := range c.Risk.Acknowledged {
		if !t.Valid() {
			return fmt.Errorf("risk: unknown tier %q", t)
		}
	}
	if p := c.Coordination.ContextPressure; p < 0 || p > 1 {
		return fmt.Errorf("coordination.context_pressure must be within [0,1], got %v", p)
	}
	if _, err := c.BuiltinHooks(); err != nil {
		return err
	}
	if _, err := c.InfraHooks(); err != nil {
		return err
	}
	return nil
}

// ToLimits converts the file form into harness.Limits.
func (l LimitsConfig) ToLimits() (harness.Limits, error) {
	out := harness.Limits{
		Turns:    l.Turns,
		Tokens:   l.Tokens,
		Spawns:   l.Spawns,
		Duration: l.Duration,
		Depth:    l.Depth,
	}
	if l.Spend != "" {
		d, err := decimal.NewFromString(l.Spend)
		if err != nil {
			return out, fmt.Errorf("limits.spend: %w", err)
		}
		if d.IsNegative() {
			return out, fmt.Errorf("limits.spend: negative value %s", l.Spend)
		}
		out.Spend = d
	}
	return out, nil
}

// GlobalLimits returns the configured global defaults.
func (c *Config) GlobalLimits() harness.Limits {
	l, _ := c.Limits.ToLimits()
	return l
}

// Checker builds the capability checker.
func (c *Config) Checker() *capability.Checker {
	opts := []capability.CheckerOption{
		capability.WithNamespace(c.Namespace),
		capability.WithAcknowledged(c.Risk.Acknowledged...),
	}
	if len(c.Risk.Rules) > 0 {
		opts = append(opts, capability.WithRiskRules(c.Risk.Rules))
	}
	if len(c.Risk.Bypass) > 0 {
		opts = append(opts, capability.WithBypass(c.Risk.Bypass...))
	}
	return capability.NewChecker(opts...)
}

// Classifier builds the error classifier. Configured rules are tried before
// the defaults.
func (c *Config) Classifier() *classify.Classifier {
	rules := append(append([]classify.Rule(nil), c.Errors.Rules...), classify.DefaultRules()...)
	var fallback *classify.Classification
	if d := c.Errors.Default; d != nil {
		fallback = &classify.Classification{Category: d.Category, Retryable: d.Retryable, Policy: d.Policy}
	}
	return classify.New(rules, fallback)
}

// BuiltinHooks returns the layer-2 hooks.
func (c *Config) BuiltinHooks() ([]harness.Hook, error) {
	if len(c.Hooks.Builtin) == 0 {
		if c.Hooks.DisableDefaults {
			return nil, nil
		}
		return harness.DefaultBuiltinHooks(), nil
	}
	hooks, err := harness.Build(c.Hooks.Builtin, harness.LayerBuiltin)
	if err != nil {
		return nil, fmt.Errorf("hooks.builtin: %w", err)
	}
	return hooks, nil
}

// InfraHooks returns the layer-3 hooks.
func (c *Config) InfraHooks() ([]harness.Hook, error) {
	hooks, err := harness.Build(c.Hooks.Infra, harness.LayerInfra)
	if err != nil {
		return nil, fmt.Errorf("hooks.infra: %w", err)
	}
	return hooks, nil
}

// ResolveLimits layers limits from least to most specific: global defaults,
// the directive's own limits, then caller overrides. With a parent, every
// ceiling is bounded by the parent's and depth drops by one.
func ResolveLimits(global, directive, overrides harness.Limits, parent *harness.Limits) harness.Limits {
	l := global.Overlay(directive).Overlay(overrides)
	if parent != nil {
		l = l.Clamp(*parent)
	}
	return l
}
