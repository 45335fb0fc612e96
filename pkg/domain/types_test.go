package domain

import "testing"

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	allowed := map[DocumentStatus][]DocumentStatus{
		StatusUploading:  {StatusProcessing, StatusFailed},
		StatusProcessing: {StatusCompleted, StatusFailed},
		StatusCompleted:  {},
		StatusFailed:     {},
	}
	all := []DocumentStatus{StatusUploading, StatusProcessing, StatusCompleted, StatusFailed}
	for from, nexts := range allowed {
		ok := map[DocumentStatus]bool{}
		for _, n := range nexts {
			ok[n] = true
		}
		for _, to := range all {
			if got := from.CanTransition(to); got != ok[to] {
				t.Fatalf("CanTransition(%s -> %s) = %v, want %v", from, to, got, ok[to])
			}
		}
	}
}
