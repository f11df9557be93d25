package password

import (
	"fmt"
	"strings"
)

// Symbols is the fixed set of special characters accepted by the policy.
const Symbols = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?`~"

// PolicyConfig controls password composition requirements.
type PolicyConfig struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSymbol  bool
	MaxLengthBytes int
}

// Policy validates candidate passwords against composition rules.
type Policy struct {
	config PolicyConfig
}

func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 12
	}
	if cfg.MaxLengthBytes <= 0 {
		// argon2 input cap, prevents absurd hashing cost
		cfg.MaxLengthBytes = 1024
	}
	return &Policy{config: cfg}
}

// Check returns the list of violated rules, empty when the password passes.
// Reasons are stable user-presentable strings.
func (p *Policy) Check(password string) []string {
	var reasons []string

	if len(password) < p.config.MinLength {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters long", p.config.MinLength))
	}
	if len(password) > p.config.MaxLengthBytes {
		reasons = append(reasons, "exceeds maximum length")
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(Symbols, r):
			symbol = true
		}
	}

	if p.config.RequireUpper && !upper {
		reasons = append(reasons, "must contain an uppercase letter")
	}
	if p.config.RequireLower && !lower {
		reasons = append(reasons, "must contain a lowercase letter")
	}
	if p.config.RequireDigit && !digit {
		reasons = append(reasons, "must contain a digit")
	}
	if p.config.RequireSymbol && !symbol {
		reasons = append(reasons, "must contain a special character")
	}

	return reasons
}
