package state

import (
	"testing"

	"github.com/haasonsaas/keel/pkg/models"
)

func twoStepPlan() models.Plan {
	return models.Plan{
		PlanID:        "p-1",
		SchemaVersion: models.PlanSchemaVersion,
		Goal:          "demo",
		Steps: []models.Step{
			{StepID: "st-1", Title: "first", ToolRef: models.ToolRef{Name: "respond"}},
			{StepID: "st-2", Title: "second", ToolRef: models.ToolRef{Name: "respond"}},
		},
	}
}

func TestSnapshotAggregates(t *testing.T) {
	ts := NewTaskState("s-1")
	ts.SetPlan(twoStepPlan())

	ts.RecordResult(models.StepResult{StepID: "st-1", Status: models.StepSucceeded})
	ts.RecordResult(models.StepResult{StepID: "st-2", Status: models.StepFailed,
		Error: &models.ErrorInfo{Code: "timed_out", Message: "slow"}})

	snap := ts.Snapshot()
	if snap.TotalSteps != 2 {
		t.Errorf("TotalSteps = %d, want 2", snap.TotalSteps)
	}
	if snap.CompletedSteps != 1 {
		t.Errorf("CompletedSteps = %d, want 1", snap.CompletedSteps)
	}
	if snap.FailedSteps != 1 {
		t.Errorf("FailedSteps = %d, want 1", snap.FailedSteps)
	}
	if len(snap.StepTitles) != 2 || snap.StepTitles[0] != "first" {
		t.Errorf("StepTitles = %v", snap.StepTitles)
	}
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	ts := NewTaskState("s-1")
	ts.SetPlan(twoStepPlan())
	ts.PutArtifact("report", "v1")

	snap := ts.Snapshot()
	snap.Plan.Steps[0].Title = "mutated"
	snap.Artifacts["report"] = "v2"

	fresh := ts.Snapshot()
	if fresh.Plan.Steps[0].Title != "first" {
		t.Error("snapshot mutation leaked into task state plan")
	}
	if v, _ := ts.Artifact("report"); v != "v1" {
		t.Errorf("artifact = %v, want v1", v)
	}
}

func TestRecordResultReplacesEarlierAttempt(t *testing.T) {
	ts := NewTaskState("s-1")
	ts.SetPlan(twoStepPlan())

	ts.RecordResult(models.StepResult{StepID: "st-1", Status: models.StepFailed, Attempts: 1})
	ts.RecordResult(models.StepResult{StepID: "st-1", Status: models.StepSucceeded, Attempts: 2})

	result, ok := ts.Result("st-1")
	if !ok {
		t.Fatal("Result(st-1) not found")
	}
	if result.Status != models.StepSucceeded || result.Attempts != 2 {
		t.Errorf("result = %+v, want succeeded with 2 attempts", result)
	}

	snap := ts.Snapshot()
	if snap.CompletedSteps != 1 || snap.FailedSteps != 0 {
		t.Errorf("aggregates = %d completed %d failed, want 1 and 0", snap.CompletedSteps, snap.FailedSteps)
	}
}

func TestReplanKeepsOldResultsOutOfAggregates(t *testing.T) {
	ts := NewTaskState("s-1")
	ts.SetPlan(twoStepPlan())
	ts.RecordResult(models.StepResult{StepID: "st-1", Status: models.StepSucceeded})

	replan := models.Plan{
		PlanID: "p-2",
		Steps: []models.Step{
			{StepID: "st-9", Title: "new step", ToolRef: models.ToolRef{Name: "respond"}},
		},
	}
	ts.SetPlan(replan)

	snap := ts.Snapshot()
	if snap.TotalSteps != 1 {
		t.Errorf("TotalSteps = %d, want 1 after replan", snap.TotalSteps)
	}
	if snap.CompletedSteps != 0 {
		t.Errorf("CompletedSteps = %d, want 0 for the new plan", snap.CompletedSteps)
	}
	if _, ok := ts.Result("st-1"); !ok {
		t.Error("old step result dropped, want it retained for history")
	}
}
