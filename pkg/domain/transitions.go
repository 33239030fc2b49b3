package domain

import "fmt"

// IllegalTransitionError describes a rejected scan status change.
type IllegalTransitionError struct {
	From ScanStatus
	To   ScanStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal scan status transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether a scan status change is legal. Terminal
// verdicts are monotonic: once clean/infected/skipped/error is recorded, the
// only way forward is re-entering pending for a fresh scan cycle (skipped and
// error records may be re-scanned). Admin release is a separate path handled
// by the quarantine manager, not by this function.
func CanTransition(from, to ScanStatus) bool {
	if from == to {
		return from == ScanPending
	}
	switch from {
	case ScanPending:
		return to == ScanClean || to == ScanInfected || to == ScanSkipped || to == ScanError
	case ScanSkipped, ScanError:
		return to == ScanPending
	default:
		return false
	}
}

// CheckTransition returns an IllegalTransitionError when the change is rejected.
func CheckTransition(from, to ScanStatus) error {
	if !CanTransition(from, to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	return nil
}

// Terminal reports whether a scan status is a settled verdict.
func Terminal(s ScanStatus) bool {
	return s == ScanClean || s == ScanInfected || s == ScanSkipped || s == ScanError
}

// TerminalJob reports whether a job status will never change again.
func TerminalJob(s JobStatus) bool {
	return s == JobDone || s == JobFailed
}

// ValidAction reports whether the detect action is one of the closed set.
func ValidAction(a DetectAction) bool {
	return a == ActionQuarantine || a == ActionDelete || a == ActionFlag
}
