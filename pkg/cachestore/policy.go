package cachestore

import (
	"strings"
	"time"
)

// Source selects what timestamp staleness is computed from.
type Source int

const (
	// SourceModTime uses the artifact file's modification time.
	SourceModTime Source = iota
	// SourceEmbedded uses the timestamp field stored inside the artifact.
	SourceEmbedded
)

func (s Source) String() string {
	if s == SourceModTime {
		return "mtime"
	}
	return "embedded"
}

// Policy is the TTL rule for one cache key. MaxAge zero means unbounded.
type Policy struct {
	MaxAge time.Duration
	Source Source
}

// Unbounded reports whether entries under this policy never expire.
func (p Policy) Unbounded() bool {
	return p.MaxAge <= 0
}

// Cache keys.
const (
	KeyModules      = "modules"
	KeyDescriptions = "module_descriptions"
	KeyPartitions   = "partitions"
	KeyLoad         = "slurm_load"
	KeyQuota        = "disk_quota"
	KeyProjects     = "projects"
	KeySeff         = "seff"
)

// Policies maps cache keys to their TTL rule. A key of the form
// "<prefix>:<id>" falls back to the rule for "<prefix>".
type Policies map[string]Policy

// DefaultPolicies returns the dashboard TTL table.
func DefaultPolicies() Policies {
	return Policies{
		KeyModules:      {MaxAge: 3600 * time.Second, Source: SourceEmbedded},
		KeyDescriptions: {Source: SourceEmbedded},
		KeyPartitions:   {MaxAge: 600 * time.Second, Source: SourceModTime},
		KeyLoad:         {MaxAge: 600 * time.Second, Source: SourceModTime},
		KeyQuota:        {MaxAge: 300 * time.Second, Source: SourceModTime},
		KeyProjects:     {MaxAge: 3600 * time.Second, Source: SourceEmbedded},
		KeySeff:         {Source: SourceEmbedded},
	}
}

// For returns the policy for key. Unknown keys get an embedded, unbounded
// policy so that nothing is silently discarded.
func (p Policies) For(key string) Policy {
	if pol, ok := p[key]; ok {
		return pol
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		if pol, ok := p[key[:i]]; ok {
			return pol
		}
	}
	return Policy{Source: SourceEmbedded}
}

// WithOverrides returns a copy with MaxAge replaced for the given keys.
func (p Policies) WithOverrides(maxAges map[string]time.Duration) Policies {
	out := make(Policies, len(p))
	for k, v := range p {
		out[k] = v
	}
	for k, d := range maxAges {
		pol := out.For(k)
		pol.MaxAge = d
		out[k] = pol
	}
	return out
}
