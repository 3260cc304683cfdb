package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario, fails the test on any violated
// expectation, and compares the result snapshot against a golden file
// in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	for _, f := range result.Failures {
		t.Errorf("scenario %s: %s", scenario.Name, f)
	}

	snapshot, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		t.Fatalf("scenario %s: marshal snapshot: %v", scenario.Name, err)
	}
	snapshot = append(snapshot, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, snapshot)
	return result
}
