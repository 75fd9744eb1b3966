package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages operational toggles with per-learner gradual rollout.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// Override rules (for testing/debugging)
	learnerOverrides map[int64]map[string]bool // learnerID -> feature -> enabled
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100)
	// Learners are assigned based on hash of their ID
	RolloutPercent int
}

// Predefined feature flag names.
const (
	// Serve leaderboard reads from the Redis snapshot when it is fresh.
	FeatureLeaderboardSnapshotCache = "leaderboard.snapshot_cache"

	// Publish domain events (level up, badge awarded) to the in-process bus.
	FeatureDomainEvents = "events.publish"

	// Expose per-badge progress percentages.
	FeatureBadgeProgress = "badges.progress"

	// Let learners spend a streak freeze on a missed day.
	FeatureStreakFreeze = "streak.freeze"
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment()
	return ff
}

// NewFeatureFlags returns flags with defaults and no environment overrides.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:         make(map[string]*Feature),
		learnerOverrides: make(map[int64]map[string]bool),
	}
	ff.initializeDefaults()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureLeaderboardSnapshotCache] = &Feature{
		Name:           FeatureLeaderboardSnapshotCache,
		Description:    "Serve leaderboards from the Redis snapshot",
		Enabled:        true,
		RolloutPercent: 100,
	}
	ff.features[FeatureDomainEvents] = &Feature{
		Name:           FeatureDomainEvents,
		Description:    "Publish progression events after commit",
		Enabled:        true,
		RolloutPercent: 100,
	}
	ff.features[FeatureBadgeProgress] = &Feature{
		Name:           FeatureBadgeProgress,
		Description:    "Per-badge progress endpoint",
		Enabled:        true,
		RolloutPercent: 100,
	}
	ff.features[FeatureStreakFreeze] = &Feature{
		Name:           FeatureStreakFreeze,
		Description:    "Streak freeze endpoint",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment loads feature flag overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_LEADERBOARD_SNAPSHOT_CACHE=false
// Example: FEATURE_BADGES_PROGRESS=50 (50% rollout)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		envKey := featureNameToEnvKey(name)
		if val := os.Getenv(envKey); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				feature.Enabled = b
				if b {
					feature.RolloutPercent = 100
				} else {
					feature.RolloutPercent = 0
				}
				continue
			}

			if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
				feature.Enabled = p > 0
				feature.RolloutPercent = p
			}
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "leaderboard.snapshot_cache" -> "FEATURE_LEADERBOARD_SNAPSHOT_CACHE"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled globally (learnerID == 0) or for a learner.
func (ff *FeatureFlags) IsEnabled(featureName string, learnerID int64) bool {
	if ff == nil {
		return true
	}

	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if learnerID != 0 {
		if overrides, ok := ff.learnerOverrides[learnerID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}

	if feature.RolloutPercent < 100 && learnerID != 0 {
		return isInRollout(learnerID, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// isInRollout determines if a learner is in the rollout percentage.
// Uses consistent hashing so learners stay in their bucket.
func isInRollout(learnerID int64, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(strconv.FormatInt(learnerID, 10)))
	return int(h.Sum32()%100) < percent
}

// SetLearnerOverride sets a feature override for a specific learner.
func (ff *FeatureFlags) SetLearnerOverride(learnerID int64, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.learnerOverrides[learnerID]; !ok {
		ff.learnerOverrides[learnerID] = make(map[string]bool)
	}
	ff.learnerOverrides[learnerID][featureName] = enabled
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	if percent < 0 || percent > 100 {
		return &FeatureFlagError{Feature: featureName, Message: "rollout percent must be 0-100"}
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return &FeatureFlagError{Feature: featureName, Message: "unknown feature"}
	}
	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Feature string
	Message string
}

func (e *FeatureFlagError) Error() string {
	return "feature " + e.Feature + ": " + e.Message
}
