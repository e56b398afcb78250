package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mizan-labs/idis/pkg/domain"
)

// Profile is the optional deployment profile YAML referenced by
// IDIS_PROFILE_PATH. It carries per-deployment policy that does not belong
// in the environment: retention overrides, deny-only attribute policies,
// rate limits, and the artifact backend default.
type Profile struct {
	Name   string `yaml:"name"`
	Region string `yaml:"region"`

	// Retention overrides the built-in retention days per class. Only days
	// can be overridden; whether a class is hard-deletable is not
	// configurable from a file.
	Retention []RetentionOverride `yaml:"retention,omitempty"`

	// AttributePolicies are deny-only CEL expressions compiled into the
	// ABAC policy set at startup. A rule evaluating to true denies.
	AttributePolicies []string `yaml:"attribute_policies,omitempty"`

	RateLimit RateLimitSection `yaml:"rate_limit"`
	Artifacts ArtifactSection  `yaml:"artifacts"`
}

// RetentionOverride sets the retention days for one class.
type RetentionOverride struct {
	Class string `yaml:"class"`
	Days  int    `yaml:"days"`
}

// RateLimitSection configures the per-actor token bucket. RPS zero leaves
// limiting off.
type RateLimitSection struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Enabled reports whether the section turns rate limiting on.
func (s RateLimitSection) Enabled() bool { return s.RPS > 0 }

// ArtifactSection selects the artifact backend when the environment does
// not. Values mirror the artifact store backends: fs, s3, gcs.
type ArtifactSection struct {
	Backend string `yaml:"backend,omitempty"`
}

var knownArtifactBackends = map[string]bool{"": true, "fs": true, "s3": true, "gcs": true}

// LoadProfile reads and validates a deployment profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("config: profile %q: %w", path, err)
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.Region == "" {
		return fmt.Errorf("region is required")
	}

	defaults := domain.DefaultRetentionPolicies()
	seen := map[string]bool{}
	for _, o := range p.Retention {
		pol, ok := defaults[domain.RetentionClass(o.Class)]
		if !ok {
			return fmt.Errorf("unknown retention class %q", o.Class)
		}
		if seen[o.Class] {
			return fmt.Errorf("duplicate retention class %q", o.Class)
		}
		seen[o.Class] = true
		if o.Days < 0 {
			return fmt.Errorf("retention class %q: days must be >= 0", o.Class)
		}
		// Audit retention can be extended but never shortened.
		if pol.Class == domain.RetainAuditEvents && o.Days < domain.DefaultRetentionDays {
			return fmt.Errorf("retention class %q: days %d below regulatory minimum %d",
				o.Class, o.Days, domain.DefaultRetentionDays)
		}
	}

	if p.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must be >= 0")
	}
	if p.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.burst must be >= 0")
	}
	if p.RateLimit.Enabled() && p.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit.burst is required when rps is set")
	}

	if !knownArtifactBackends[p.Artifacts.Backend] {
		return fmt.Errorf("unknown artifact backend %q", p.Artifacts.Backend)
	}
	return nil
}

// VerifyRegion checks the profile against the deployment's pinned region.
// A profile written for one region must not boot a service pinned to
// another, and a region-bearing profile on a region-less service is a
// deployment inconsistency rather than something to guess around.
func (p *Profile) VerifyRegion(serviceRegion string) error {
	if serviceRegion == "" {
		return fmt.Errorf("config: profile declares region %q but IDIS_SERVICE_REGION is unset", p.Region)
	}
	if p.Region != serviceRegion {
		return fmt.Errorf("config: profile region %q conflicts with service region %q", p.Region, serviceRegion)
	}
	return nil
}

// RetentionPolicies merges the profile's day overrides onto the built-in
// lifecycle. Classes the profile does not mention keep their defaults.
func (p *Profile) RetentionPolicies() map[domain.RetentionClass]domain.RetentionPolicy {
	policies := domain.DefaultRetentionPolicies()
	for _, o := range p.Retention {
		class := domain.RetentionClass(o.Class)
		pol, ok := policies[class]
		if !ok {
			continue
		}
		pol.Days = o.Days
		policies[class] = pol
	}
	return policies
}
