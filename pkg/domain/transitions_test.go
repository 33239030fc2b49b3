package domain

import (
	"errors"
	"testing"
)

func TestCanTransitionFromPending(t *testing.T) {
	for _, to := range []ScanStatus{ScanClean, ScanInfected, ScanSkipped, ScanError} {
		if !CanTransition(ScanPending, to) {
			t.Fatalf("pending -> %s should be legal", to)
		}
	}
	if !CanTransition(ScanPending, ScanPending) {
		t.Fatalf("pending -> pending (retry cycle) should be legal")
	}
}

func TestTerminalVerdictsAreMonotonic(t *testing.T) {
	cases := []struct{ from, to ScanStatus }{
		{ScanSkipped, ScanInfected},
		{ScanClean, ScanInfected},
		{ScanInfected, ScanClean},
		{ScanClean, ScanError},
		{ScanInfected, ScanPending},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Fatalf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestRescanReentersPending(t *testing.T) {
	if !CanTransition(ScanSkipped, ScanPending) {
		t.Fatalf("skipped -> pending (re-scan) should be legal")
	}
	if !CanTransition(ScanError, ScanPending) {
		t.Fatalf("error -> pending (re-scan) should be legal")
	}
}

func TestCheckTransitionError(t *testing.T) {
	err := CheckTransition(ScanSkipped, ScanInfected)
	if err == nil {
		t.Fatalf("expected error for skipped -> infected")
	}
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %T", err)
	}
	if illegal.From != ScanSkipped || illegal.To != ScanInfected {
		t.Fatalf("unexpected error detail: %+v", illegal)
	}
}

func TestValidAction(t *testing.T) {
	for _, a := range []DetectAction{ActionQuarantine, ActionDelete, ActionFlag} {
		if !ValidAction(a) {
			t.Fatalf("%s should be valid", a)
		}
	}
	if ValidAction(DetectAction("shred")) {
		t.Fatalf("unknown action should be invalid")
	}
}
