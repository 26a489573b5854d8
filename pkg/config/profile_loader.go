package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/budget"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/gateway"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/supervisor"
)

var ErrInvalidProfile = errors.New("config: invalid profile")

// Profile is the tunable dispatch policy: chain shape and budgets, breaker,
// rate limits and timeouts.
type Profile struct {
	Name    string                `yaml:"name" json:"name"`
	Chain   supervisor.Config     `yaml:"chain" json:"chain"`
	Breaker gateway.BreakerConfig `yaml:"breaker" json:"breaker"`
	Rate    budget.RatePolicy     `yaml:"rate" json:"rate"`

	GatewayTimeoutSeconds   int `yaml:"gateway_timeout_seconds" json:"gateway_timeout_seconds"`
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds" json:"execution_timeout_seconds"`
}

// DefaultProfile is used when no profile is named.
func DefaultProfile() *Profile {
	return &Profile{
		Name:                    "default",
		Chain:                   supervisor.DefaultConfig(),
		Breaker:                 gateway.DefaultBreakerConfig(),
		GatewayTimeoutSeconds:   60,
		ExecutionTimeoutSeconds: 120,
	}
}

// Validate rejects profiles the node could not run with.
func (p *Profile) Validate() error {
	var issues []string
	if p.Chain.ClassifyTokens <= 0 || p.Chain.SynthesizeTokens <= 0 {
		issues = append(issues, "chain token budgets must be positive")
	}
	if p.Chain.SessionTokens < int64(p.Chain.ClassifyTokens) {
		issues = append(issues, "session budget is smaller than the classify budget")
	}
	if p.Chain.ToolTurnLimit < 1 {
		issues = append(issues, "tool turn limit must be at least 1")
	}
	if p.Breaker.FailureThreshold < 1 || p.Breaker.HalfOpenProbes < 1 {
		issues = append(issues, "breaker threshold and probes must be at least 1")
	}
	if p.Breaker.RecoveryTimeout <= 0 {
		issues = append(issues, "breaker recovery timeout must be positive")
	}
	if p.Rate.RequestsPerMinute < 0 || p.Rate.TokensPerMinute < 0 {
		issues = append(issues, "rate limits must not be negative")
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidProfile, p.Name, strings.Join(issues, "; "))
	}
	return nil
}

// LoadProfile loads profile_<name>.yaml from profilesDir. Fields the file
// leaves out keep their defaults.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	profile, err := parseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" || profile.Name == "default" {
		profile.Name = name
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir, keyed by name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		profile, err := parseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" || profile.Name == "default" {
			// profile_strict.yaml -> strict
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}

// Resolve returns the profile cfg names, or the default profile. A session
// budget set in the environment overrides the profile's.
func Resolve(cfg *Config) (*Profile, error) {
	profile := DefaultProfile()
	if cfg.Profile != "" {
		var err error
		if profile, err = LoadProfile(cfg.ProfilesDir, cfg.Profile); err != nil {
			return nil, err
		}
	}
	if cfg.SessionTokens > 0 {
		profile.Chain.SessionTokens = cfg.SessionTokens
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func parseProfile(data []byte) (*Profile, error) {
	profile := DefaultProfile()
	profile.Name = ""
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, err
	}
	return profile, nil
}
