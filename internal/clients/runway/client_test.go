package runway

import "testing"

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]TaskStatus{
		"SUCCEEDED":  TaskStatusSucceeded,
		"succeeded":  TaskStatusSucceeded,
		"COMPLETED":  TaskStatusSucceeded,
		"FAILED":     TaskStatusFailed,
		"CANCELED":   TaskStatusFailed,
		"CANCELLED":  TaskStatusFailed,
		"RUNNING":    TaskStatusProcessing,
		"PROCESSING": TaskStatusProcessing,
		"PENDING":    TaskStatusPending,
		"THROTTLED":  TaskStatusPending,
		"":           TaskStatusPending,
	}
	for raw, want := range cases {
		if got := normalizeStatus(raw); got != want {
			t.Errorf("normalizeStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}
