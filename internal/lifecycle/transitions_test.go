package lifecycle

import (
	"testing"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

func TestEnsureTransition(t *testing.T) {
	all := func(domain.EvidenceStage) bool { return true }
	none := func(domain.EvidenceStage) bool { return false }
	cases := []struct {
		from, to domain.TaskStatus
		code     string
		evidence func(domain.EvidenceStage) bool
		ok       bool
	}{
		{domain.StatusSearching, domain.StatusAssigned, "", all, false},
		{domain.StatusAssigned, domain.StatusArrived, "", all, true},
		{domain.StatusAssigned, domain.StatusArrived, "", none, false},
		{domain.StatusAssigned, domain.StatusStarted, "1234", all, false},
		{domain.StatusArrived, domain.StatusStarted, "1234", none, true},
		{domain.StatusArrived, domain.StatusStarted, "", all, false},
		{domain.StatusStarted, domain.StatusCompleted, "9876", all, true},
		{domain.StatusStarted, domain.StatusCompleted, "", all, false},
		{domain.StatusStarted, domain.StatusCompleted, "9876", none, false},
		{domain.StatusCompleted, domain.StatusCompleted, "9876", all, false},
		{domain.StatusStarted, domain.StatusArrived, "", all, false},
	}
	for _, tc := range cases {
		err := ensureTransition(domain.Task{ID: "t", Status: tc.from}, tc.to, tc.code, tc.evidence)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !gateway.IsValidation(err) {
			t.Fatalf("%s -> %s: want validation error, got %v", tc.from, tc.to, err)
		}
	}
}

func TestStageFor(t *testing.T) {
	if s, ok := stageFor(domain.StatusAssigned); !ok || s != domain.StageArrival {
		t.Fatalf("assigned: %s %v", s, ok)
	}
	if s, ok := stageFor(domain.StatusStarted); !ok || s != domain.StageCompletion {
		t.Fatalf("started: %s %v", s, ok)
	}
	if _, ok := stageFor(domain.StatusArrived); ok {
		t.Fatalf("arrived needs no evidence")
	}
}
