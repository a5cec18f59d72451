package types

import "strings"

// Promise is a fixed-vocabulary marker agents emit to signal a
// specific kind of completion. The loop scans accumulated agent output
// for these to decide whether to stop invoking an agent.
type Promise string

const (
	PromiseTaskComplete       Promise = "TASK_COMPLETE"
	PromisePlanComplete       Promise = "PLAN_COMPLETE"
	PromiseTasksReady         Promise = "TASKS_READY"
	PromiseReviewComplete     Promise = "REVIEW_COMPLETE"
	PromiseE2EComplete        Promise = "E2E_COMPLETE"
	PromiseApproved           Promise = "APPROVED"
	PromiseRejected           Promise = "REJECTED"
	PromiseVerificationPassed Promise = "VERIFICATION_PASSED"
)

// allPromises is ordered longest-first so that scanning never matches
// a marker that is a substring of another (REVIEW_COMPLETE before
// APPROVED is irrelevant, but keep the ordering discipline anyway).
var allPromises = []Promise{
	PromiseVerificationPassed,
	PromiseReviewComplete,
	PromiseTaskComplete,
	PromisePlanComplete,
	PromiseE2EComplete,
	PromiseTasksReady,
	PromiseApproved,
	PromiseRejected,
}

// ContainsPromise reports whether the output contains the given marker.
func ContainsPromise(output string, p Promise) bool {
	return strings.Contains(output, string(p))
}

// ScanPromises returns every completion marker present in the output,
// in vocabulary order. Duplicate occurrences collapse to one.
func ScanPromises(output string) []Promise {
	var found []Promise
	for _, p := range allPromises {
		if strings.Contains(output, string(p)) {
			found = append(found, p)
		}
	}
	return found
}
