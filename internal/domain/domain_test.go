package domain

import (
	"testing"

	"github.com/swarmguard/orchestrator/internal/ids"
)

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskCompleted, TaskFailed, TaskCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []TaskState{TaskPending, TaskInitializing, TaskRunning, TaskCheckpointPending}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestSubtaskStateTerminal(t *testing.T) {
	if !SubtaskCompleted.Terminal() || !SubtaskFailed.Terminal() {
		t.Fatalf("expected Completed and Failed to be terminal")
	}
	if SubtaskRunning.Terminal() || SubtaskReady.Terminal() {
		t.Fatalf("expected Running and Ready to not be terminal")
	}
}

func TestRecomputeProgressNeverDecreasesWithoutReset(t *testing.T) {
	task := &Task{Progress: 50}
	task.RecomputeProgress(1, 4, false)
	if task.Progress != 50 {
		t.Fatalf("expected progress to stay at 50 when the derived value is lower, got %d", task.Progress)
	}
	task.RecomputeProgress(3, 4, false)
	if task.Progress != 75 {
		t.Fatalf("expected progress to advance to 75, got %d", task.Progress)
	}
	task.RecomputeProgress(0, 4, true)
	if task.Progress != 0 {
		t.Fatalf("expected reset to force progress back to 0, got %d", task.Progress)
	}
}

func TestRecomputeProgressIgnoresZeroTotal(t *testing.T) {
	task := &Task{Progress: 10}
	task.RecomputeProgress(0, 0, false)
	if task.Progress != 10 {
		t.Fatalf("expected progress to be untouched with zero total subtasks, got %d", task.Progress)
	}
}

func TestSubtaskDependenciesSatisfied(t *testing.T) {
	a, b := ids.New(), ids.New()
	sub := &Subtask{Dependencies: []ids.ID{a, b}}
	if sub.DependenciesSatisfied(map[ids.ID]bool{a: true}) {
		t.Fatalf("expected false with one dependency still outstanding")
	}
	if !sub.DependenciesSatisfied(map[ids.ID]bool{a: true, b: true}) {
		t.Fatalf("expected true once every dependency is done")
	}
}

func TestResourceSnapshotMax(t *testing.T) {
	r := ResourceSnapshot{CPUPercent: 10, MemPercent: 95, DiskPercent: 40}
	if r.Max() != 95 {
		t.Fatalf("expected max of 95, got %v", r.Max())
	}
}

func TestWorkerOffers(t *testing.T) {
	w := &Worker{Capabilities: []string{"claude", "codex"}}
	if !w.Offers("claude") {
		t.Fatalf("expected worker to offer claude")
	}
	if w.Offers("gemini") {
		t.Fatalf("expected worker to not offer an uncapable tool")
	}
}

func TestReviewHasCriticalOrHigh(t *testing.T) {
	clean := &Review{Issues: []Issue{{Severity: SeverityLow}, {Severity: SeverityMedium}}}
	if clean.HasCriticalOrHigh() {
		t.Fatalf("expected no critical/high issues")
	}
	dirty := &Review{Issues: []Issue{{Severity: SeverityHigh}}}
	if !dirty.HasCriticalOrHigh() {
		t.Fatalf("expected a high-severity issue to be detected")
	}
}
