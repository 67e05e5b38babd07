package vmcs

import (
	"sync/atomic"
	"time"
)

// Counters for checker activity
var (
	rulesEvaluated    uint64
	rulesFailed       uint64
	familyRuns        uint64
	fullRuns          uint64
	logicErrors       uint64
	translationErrors uint64

	// nanoseconds spent in All()
	totalCheckTime uint64
)

// Metrics is a snapshot of checker activity.
//
// LogicErrors and TranslationErrors are counted by MapStore and MemoryMap
// themselves, so they are process-wide and ignore WithMetrics.
type Metrics struct {
	RulesEvaluated    uint64 `json:"rules_evaluated"`
	RulesFailed       uint64 `json:"rules_failed"`
	FamilyRuns        uint64 `json:"family_runs"`
	FullRuns          uint64 `json:"full_runs"`
	LogicErrors       uint64 `json:"logic_errors"`
	TranslationErrors uint64 `json:"translation_errors"`
	AvgCheckTimeNs    uint64 `json:"avg_check_time_ns"`
}

// GetMetrics returns current metrics
func GetMetrics() Metrics {
	runs := atomic.LoadUint64(&fullRuns)

	var avg uint64
	if runs > 0 {
		avg = atomic.LoadUint64(&totalCheckTime) / runs
	}

	return Metrics{
		RulesEvaluated:    atomic.LoadUint64(&rulesEvaluated),
		RulesFailed:       atomic.LoadUint64(&rulesFailed),
		FamilyRuns:        atomic.LoadUint64(&familyRuns),
		FullRuns:          runs,
		LogicErrors:       atomic.LoadUint64(&logicErrors),
		TranslationErrors: atomic.LoadUint64(&translationErrors),
		AvgCheckTimeNs:    avg,
	}
}

// ResetMetrics clears all metrics
func ResetMetrics() {
	atomic.StoreUint64(&rulesEvaluated, 0)
	atomic.StoreUint64(&rulesFailed, 0)
	atomic.StoreUint64(&familyRuns, 0)
	atomic.StoreUint64(&fullRuns, 0)
	atomic.StoreUint64(&logicErrors, 0)
	atomic.StoreUint64(&translationErrors, 0)
	atomic.StoreUint64(&totalCheckTime, 0)
}

func recordRule(failed bool) {
	atomic.AddUint64(&rulesEvaluated, 1)
	if failed {
		atomic.AddUint64(&rulesFailed, 1)
	}
}

func recordFamilyRun() {
	atomic.AddUint64(&familyRuns, 1)
}

func recordFullRun(duration time.Duration) {
	atomic.AddUint64(&fullRuns, 1)
	atomic.AddUint64(&totalCheckTime, uint64(duration.Nanoseconds()))
}

func recordLogicError() {
	atomic.AddUint64(&logicErrors, 1)
}

func recordTranslationError() {
	atomic.AddUint64(&translationErrors, 1)
}
