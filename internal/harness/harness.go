// Package harness executes conformance scenarios through the real
// promotion pipeline: YAML-defined proposal and admin steps go through
// the promoter, deltas drain into the projection, and the resulting
// decisions and final state are snapshotted for golden comparison.
//
// Determinism rules: scenarios run with the deterministic clock and
// sequential id generator, in a fresh store and log per run, so two
// runs of the same scenario produce identical snapshots.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/projector"
	"github.com/provenir/imcore/internal/promoter"
	"github.com/provenir/imcore/internal/replay"
	"github.com/provenir/imcore/internal/store"
	"github.com/provenir/imcore/internal/stream"
	"github.com/provenir/imcore/internal/testutil"
	"github.com/provenir/imcore/internal/worker"
)

// StepResult is the promoter's decision for one scenario step.
type StepResult struct {
	Step       int    `json:"step"`
	ItemID     string `json:"item_id"`
	Outcome    string `json:"outcome"`
	Version    int64  `json:"version,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
	DeltaType  string `json:"delta_type,omitempty"`
}

// ItemSnapshot is one row of the final projection, stripped of
// timestamps and hashes so snapshots stay hand-checkable.
type ItemSnapshot struct {
	ItemID  string   `json:"item_id"`
	Version int64    `json:"version"`
	Active  bool     `json:"active"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Labels  []string `json:"labels,omitempty"`
}

// Result captures everything a scenario run produced.
type Result struct {
	ScenarioName string         `json:"scenario_name"`
	Ns           string         `json:"ns"`
	Steps        []StepResult   `json:"steps"`
	FinalState   []ItemSnapshot `json:"final_state"`
	ActiveCount  int64          `json:"active_count"`
	ReplayMatch  *bool          `json:"replay_match,omitempty"`

	// Failures lists every expectation the run violated. Empty means
	// the scenario passed.
	Failures []string `json:"-"`
}

// Run executes a scenario in a fresh store and log.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "imcore-harness-*")
	if err != nil {
		return nil, fmt.Errorf("harness temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("harness store: %w", err)
	}
	defer st.Close()

	log, err := stream.Open(filepath.Join(dir, "log.db"))
	if err != nil {
		return nil, fmt.Errorf("harness log: %w", err)
	}
	defer log.Close()

	clock := testutil.NewDeterministicClock(time.Time{}, time.Second)
	quiet := slog.New(slog.DiscardHandler)

	prom := promoter.New(st, log, promoter.Options{
		Clock:  clock,
		IDs:    testutil.NewSeqIDGenerator("dec"),
		Logger: quiet,
	})

	ctx := context.Background()
	consumer, err := log.Consumer(ctx, "harness-projector", event.DeltaFilter(scenario.Ns))
	if err != nil {
		return nil, fmt.Errorf("harness consumer: %w", err)
	}
	proj := worker.New("harness-projector", consumer, projector.New(st, quiet).Handler(), quiet)

	result := &Result{ScenarioName: scenario.Name, Ns: scenario.Ns}

	for i, step := range scenario.Steps {
		var res promoter.Result
		switch {
		case step.Propose != nil:
			res, err = runPropose(ctx, prom, scenario.Ns, step.Propose)
		case step.Admin != nil:
			res, err = runAdmin(ctx, prom, scenario.Ns, step.Admin)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		sr := StepResult{
			Step:       i,
			ItemID:     res.ItemID,
			Outcome:    res.Outcome.String(),
			Version:    res.NewVersion,
			ReasonCode: res.ReasonCode,
		}
		if res.Delta != nil {
			sr.DeltaType = res.Delta.Type
		}
		if res.ItemID == "" {
			// Invalid payloads decode nothing; keep the step's item.
			sr.ItemID = stepItemID(step)
		}
		result.Steps = append(result.Steps, sr)
		checkExpect(result, i, step.Expect, res)

		// Drain published deltas into the projection before the next
		// step, as the running projector worker would.
		if _, err := proj.Drain(ctx); err != nil {
			return nil, fmt.Errorf("step %d: drain projector: %w", i, err)
		}
	}

	items, err := st.ListCurrent(ctx, scenario.Ns, false)
	if err != nil {
		return nil, fmt.Errorf("final state: %w", err)
	}
	for _, it := range items {
		result.FinalState = append(result.FinalState, ItemSnapshot{
			ItemID:  it.ItemID,
			Version: it.Version,
			Active:  it.IsActive,
			Title:   it.Title,
			Content: it.Content,
			Labels:  it.Labels,
		})
	}
	if result.ActiveCount, err = st.ActiveCount(ctx, scenario.Ns); err != nil {
		return nil, fmt.Errorf("active count: %w", err)
	}

	if scenario.VerifyReplay {
		v, err := replay.New(log, quiet).Verify(ctx, scenario.Ns, st)
		if err != nil {
			return nil, fmt.Errorf("replay verify: %w", err)
		}
		result.ReplayMatch = &v.Match
		if !v.Match {
			result.Failures = append(result.Failures,
				fmt.Sprintf("replay hash %s != live hash %s", v.Replay.StateHash, v.LiveStateHash))
		}
	}
	return result, nil
}

func runPropose(ctx context.Context, prom *promoter.Promoter, ns string, s *ProposeStep) (promoter.Result, error) {
	payload, err := json.Marshal(event.ProposalEvent{
		EventType:  event.TypeProposal,
		Ns:         ns,
		ItemID:     s.ItemID,
		ProposalID: s.ProposalID,
		CI:         s.CI,
		Title:      s.Title,
		Content:    s.Content,
		Labels:     s.Labels,
		Source: event.SourceInfo{
			Repo:    ns + "/docs",
			Ref:     s.Ref,
			Path:    "memos/" + s.ItemID + ".md",
			BlobSha: "scenario",
		},
		EmittedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return promoter.Result{}, err
	}
	return prom.HandleProposal(ctx, event.ProposalSubject(ns, "docs"), payload)
}

func runAdmin(ctx context.Context, prom *promoter.Promoter, ns string, s *AdminStep) (promoter.Result, error) {
	userID := s.UserID
	if userID == "" {
		userID = "scenario-admin"
	}
	payload, err := json.Marshal(event.AdminEvent{
		EventType: event.TypeAdmin,
		Ns:        ns,
		ItemID:    s.ItemID,
		EventID:   s.EventID,
		Action:    s.Action,
		Title:     s.Title,
		Content:   s.Content,
		Admin: event.AdminMetadata{
			UserID:          userID,
			Reason:          s.Reason,
			BypassReview:    true,
			ExpectedVersion: s.ExpectedVersion,
		},
		Source: event.SourceInfo{
			Repo:    "admin.override",
			Ref:     "manual",
			Path:    "manual/" + s.ItemID,
			BlobSha: "scenario",
		},
		OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return promoter.Result{}, err
	}
	return prom.HandleAdmin(ctx, event.AdminSubject(s.Action, ns, s.ItemID), payload)
}

func checkExpect(result *Result, step int, exp *Expect, res promoter.Result) {
	if exp == nil {
		return
	}
	if exp.Outcome != "" && res.Outcome.String() != exp.Outcome {
		result.Failures = append(result.Failures,
			fmt.Sprintf("step %d: outcome %s, want %s", step, res.Outcome, exp.Outcome))
	}
	if exp.Version != 0 && res.NewVersion != exp.Version {
		result.Failures = append(result.Failures,
			fmt.Sprintf("step %d: version %d, want %d", step, res.NewVersion, exp.Version))
	}
	if exp.Reason != "" && res.ReasonCode != exp.Reason {
		result.Failures = append(result.Failures,
			fmt.Sprintf("step %d: reason %s, want %s", step, res.ReasonCode, exp.Reason))
	}
}

func stepItemID(s Step) string {
	if s.Propose != nil {
		return s.Propose.ItemID
	}
	if s.Admin != nil {
		return s.Admin.ItemID
	}
	return ""
}
