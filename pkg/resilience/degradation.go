package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNormal - all features are available
	LevelNormal DegradationLevel = iota
	// LevelPartial - some features run on their fallback
	LevelPartial
	// LevelSevere - only essential work is possible
	LevelSevere
	// LevelCritical - the system is barely functional
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the level by name in JSON payloads
func (l DegradationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// FallbackStrategy tells callers what to do while a feature is unavailable
type FallbackStrategy string

const (
	// FallbackNone - fail the call
	FallbackNone FallbackStrategy = "none"
	// FallbackCachedData - serve the last known data
	FallbackCachedData FallbackStrategy = "cached_data"
	// FallbackSkip - skip the work and report it
	FallbackSkip FallbackStrategy = "skip"
)

// FeatureStatus is the health of a named feature
type FeatureStatus struct {
	Name                string           `json:"name"`
	Available           bool             `json:"available"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	MaxFailures         int              `json:"max_failures"`
	Fallback            FallbackStrategy `json:"fallback"`
	Level               DegradationLevel `json:"level"`
	LastError           string           `json:"last_error,omitempty"`
	LastChange          time.Time        `json:"last_change"`
}

// DegradationStatus summarizes every feature
type DegradationStatus struct {
	Level       DegradationLevel         `json:"level"`
	Available   []string                 `json:"available"`
	Unavailable []string                 `json:"unavailable"`
	Features    map[string]FeatureStatus `json:"features"`
}

// DegradationManager tracks named features. After MaxFailures consecutive
// failures a feature becomes unavailable and callers use its fallback; a
// single success restores it.
type DegradationManager struct {
	features map[string]*FeatureStatus
	mutex    sync.RWMutex
	logger   *logging.Logger
	now      func() time.Time

	onChange func(name string, available bool)
}

// NewDegradationManager creates a new degradation manager
func NewDegradationManager(logger *logging.Logger) *DegradationManager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &DegradationManager{
		features: make(map[string]*FeatureStatus),
		logger:   logger,
		now:      time.Now,
	}
}

// OnChange registers a hook called whenever a feature flips availability
func (dm *DegradationManager) OnChange(fn func(name string, available bool)) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	dm.onChange = fn
}

// RegisterFeature registers a feature. level is the system level implied
// while the feature is unavailable. Registering again replaces the rules but
// keeps the current availability.
func (dm *DegradationManager) RegisterFeature(name string, maxFailures int, fallback FallbackStrategy, level DegradationLevel) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if maxFailures <= 0 {
		maxFailures = 1
	}

	if existing, ok := dm.features[name]; ok {
		existing.MaxFailures = maxFailures
		existing.Fallback = fallback
		existing.Level = level
		return
	}

	dm.features[name] = &FeatureStatus{
		Name:        name,
		Available:   true,
		MaxFailures: maxFailures,
		Fallback:    fallback,
		Level:       level,
		LastChange:  dm.now(),
	}
}

// ReportFailure counts a consecutive failure for the feature
func (dm *DegradationManager) ReportFailure(name string, err error) {
	dm.mutex.Lock()

	feature, exists := dm.features[name]
	if !exists {
		dm.mutex.Unlock()
		dm.logger.Warn("Failure reported for unregistered feature", "feature", name)
		return
	}

	feature.ConsecutiveFailures++
	if err != nil {
		feature.LastError = err.Error()
	}

	flipped := false
	if feature.Available && feature.ConsecutiveFailures >= feature.MaxFailures {
		feature.Available = false
		feature.LastChange = dm.now()
		flipped = true
	}
	failures := feature.ConsecutiveFailures
	fallback := feature.Fallback
	onChange := dm.onChange
	dm.mutex.Unlock()

	if flipped {
		dm.logger.Warn("Feature degraded",
			"feature", name,
			"consecutive_failures", failures,
			"fallback", string(fallback),
		)
		if onChange != nil {
			onChange(name, false)
		}
	}
}

// ReportSuccess resets the failure counter and restores availability
func (dm *DegradationManager) ReportSuccess(name string) {
	dm.mutex.Lock()

	feature, exists := dm.features[name]
	if !exists {
		dm.mutex.Unlock()
		return
	}

	feature.ConsecutiveFailures = 0
	flipped := false
	if !feature.Available {
		feature.Available = true
		feature.LastError = ""
		feature.LastChange = dm.now()
		flipped = true
	}
	onChange := dm.onChange
	dm.mutex.Unlock()

	if flipped {
		dm.logger.Info("Feature restored", "feature", name)
		if onChange != nil {
			onChange(name, true)
		}
	}
}

// IsAvailable reports whether the feature can be used. Unknown features are available.
func (dm *DegradationManager) IsAvailable(name string) bool {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	feature, exists := dm.features[name]
	return !exists || feature.Available
}

// Fallback returns the strategy to use for an unavailable feature
func (dm *DegradationManager) Fallback(name string) FallbackStrategy {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if feature, exists := dm.features[name]; exists {
		return feature.Fallback
	}
	return FallbackNone
}

// CurrentLevel returns the system degradation level: the highest level implied
// by an unavailable feature, raised by the share of unavailable features.
// Features that fall back to cached data only contribute their own level.
func (dm *DegradationManager) CurrentLevel() DegradationLevel {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	return dm.currentLevelLocked()
}

func (dm *DegradationManager) currentLevelLocked() DegradationLevel {
	maxLevel := LevelNormal
	unavailable := 0
	total := 0

	for _, feature := range dm.features {
		if !feature.Available && feature.Level > maxLevel {
			maxLevel = feature.Level
		}
		if feature.Fallback == FallbackCachedData {
			continue
		}
		total++
		if !feature.Available {
			unavailable++
		}
	}

	if total > 0 {
		share := float64(unavailable) / float64(total)
		switch {
		case share >= 0.75:
			if maxLevel < LevelCritical {
				maxLevel = LevelCritical
			}
		case share >= 0.5:
			if maxLevel < LevelSevere {
				maxLevel = LevelSevere
			}
		case share >= 0.25:
			if maxLevel < LevelPartial {
				maxLevel = LevelPartial
			}
		}
	}

	return maxLevel
}

// Status returns a copy of every feature and the current level
func (dm *DegradationManager) Status() DegradationStatus {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	status := DegradationStatus{
		Level:       dm.currentLevelLocked(),
		Available:   []string{},
		Unavailable: []string{},
		Features:    make(map[string]FeatureStatus, len(dm.features)),
	}

	for name, feature := range dm.features {
		status.Features[name] = *feature
		if feature.Available {
			status.Available = append(status.Available, name)
		} else {
			status.Unavailable = append(status.Unavailable, name)
		}
	}
	sort.Strings(status.Available)
	sort.Strings(status.Unavailable)

	return status
}

// CanRunMode checks whether a sync mode may start at the current level
func (dm *DegradationManager) CanRunMode(mode string) (bool, string) {
	switch dm.CurrentLevel() {
	case LevelNormal:
		return true, ""
	case LevelPartial:
		return true, "operating with degraded dependencies"
	case LevelSevere:
		if mode == "comprehensive" || mode == "legacy" {
			return false, "full syncs are disabled during severe degradation"
		}
		return true, "only targeted syncs are available during severe degradation"
	case LevelCritical:
		return false, "syncing is disabled during critical system degradation"
	default:
		return false, "unknown degradation level"
	}
}
