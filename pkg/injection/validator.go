// Package injection validates untrusted input before it reaches task
// handlers or model prompts. Detection is organised into named pattern
// families so audit entries can say what family tripped without
// echoing attacker-controlled text.
package injection

import (
	"fmt"
	"regexp"
	"sync"
)

// Pattern families reported in block reasons.
const (
	FamilySQL            = "sql_injection"
	FamilyPromptOverride = "prompt_override"
	FamilyJailbreak      = "jailbreak"
	FamilySystemToken    = "system_token"
	FamilyCustom         = "custom"
)

// Config holds validator limits and extra patterns.
type Config struct {
	MaxInputLength      int
	MaxFileBytes        int64
	CustomBlockPatterns []string
}

// DefaultConfig returns the default validation limits.
func DefaultConfig() Config {
	return Config{
		MaxInputLength: 32 * 1024,
		MaxFileBytes:   10 * 1024 * 1024,
	}
}

// Result reports one validation decision. Callers are responsible for
// auditing it.
type Result struct {
	Valid       bool   `json:"valid"`
	BlockReason string `json:"blockReason,omitempty"`
	Family      string `json:"family,omitempty"`
}

type pattern struct {
	family string
	re     *regexp.Regexp
}

// Validator applies length caps and the pattern families to input.
type Validator struct {
	mu             sync.RWMutex
	maxInputLength int
	maxFileBytes   int64
	patterns       []pattern
}

// NewValidator compiles the built-in families plus any custom patterns.
// Invalid custom patterns are rejected so misconfiguration surfaces at
// startup instead of silently weakening validation.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = DefaultConfig().MaxInputLength
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultConfig().MaxFileBytes
	}

	v := &Validator{
		maxInputLength: cfg.MaxInputLength,
		maxFileBytes:   cfg.MaxFileBytes,
		patterns:       builtinPatterns(),
	}

	for _, p := range cfg.CustomBlockPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("custom block pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, pattern{family: FamilyCustom, re: re})
	}

	return v, nil
}

func builtinPatterns() []pattern {
	families := []struct {
		family   string
		patterns []string
	}{
		{FamilySQL, []string{
			`(?i)('|")\s*(or|and)\s+('|")?\d+('|")?\s*=\s*('|")?\d+`,
			`(?i);\s*(drop|truncate|delete|alter)\s+(table|database|from)`,
			`(?i)union\s+(all\s+)?select`,
			`(?i)insert\s+into\s+\w+\s*(\(|values)`,
			`(?i)exec(\s|\+)+(s|x)p\w+`,
			`--\s*$`,
		}},
		{FamilyPromptOverride, []string{
			`(?i)ignore\s+(all\s+)?(previous|above|prior)\s*(instructions|prompts?|rules)?`,
			`(?i)forget\s+(everything|all|previous)`,
			`(?i)disregard\s+(all|any|previous)\s*(instructions|rules)?`,
			`(?i)new\s+instructions?\s*:`,
			`(?i)override\s+(previous|default)\s*(instructions|settings)`,
			`(?i)you\s+are\s+now\s+`,
			`(?i)pretend\s+(to\s+be|that)\s+`,
		}},
		{FamilyJailbreak, []string{
			`(?i)do\s+anything\s+now`,
			`(?i)\bdan\s+(mode|prompt)`,
			`(?i)developer\s+mode`,
			`(?i)jailbreak`,
			`(?i)bypass\s*(the\s+)?(filter|restrictions?|rules|sandbox)`,
			`(?i)break\s*(out\s+of|the\s+)?(character|role|context)`,
		}},
		{FamilySystemToken, []string{
			`<\|`,
			`\|>`,
			`<\s*/?\s*(system|assistant|im_start|im_end)\s*>`,
			`(?i)\[\s*system\s*\]`,
			`(?im)^\s*system\s*:`,
		}},
	}

	var out []pattern
	for _, fam := range families {
		for _, p := range fam.patterns {
			out = append(out, pattern{family: fam.family, re: regexp.MustCompile(p)})
		}
	}
	return out
}

// Validate checks a text input against the length cap and all pattern
// families. The first match blocks.
func (v *Validator) Validate(input string) Result {
	if len(input) > v.maxInputLength {
		return Result{
			Valid:       false,
			BlockReason: fmt.Sprintf("input exceeds maximum length of %d characters", v.maxInputLength),
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, p := range v.patterns {
		if p.re.MatchString(input) {
			return Result{
				Valid:       false,
				Family:      p.family,
				BlockReason: fmt.Sprintf("input matches blocked pattern family %s", p.family),
			}
		}
	}

	return Result{Valid: true}
}

// ValidateFile checks a file payload size against the byte cap.
func (v *Validator) ValidateFile(name string, size int64) Result {
	if size > v.maxFileBytes {
		return Result{
			Valid:       false,
			BlockReason: fmt.Sprintf("file %s exceeds maximum size of %d bytes", name, v.maxFileBytes),
		}
	}
	return Result{Valid: true}
}

// AddPattern registers an extra custom pattern at runtime.
func (v *Validator) AddPattern(expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.patterns = append(v.patterns, pattern{family: FamilyCustom, re: re})
	return nil
}

// MaxInputLength reports the configured text cap.
func (v *Validator) MaxInputLength() int {
	return v.maxInputLength
}
