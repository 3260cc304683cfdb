package promoter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenir/imcore/internal/canon"
	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/store"
	"github.com/provenir/imcore/internal/stream"
	"github.com/provenir/imcore/internal/testutil"
)

type fixture struct {
	store    *store.Store
	log      *stream.Log
	promoter *Promoter
	clock    *testutil.DeterministicClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l, err := stream.Open(filepath.Join(dir, "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	clock := testutil.NewDeterministicClock(time.Time{}, time.Second)
	p := New(st, l, Options{
		PolicyVersion: "policy-v1",
		Clock:         clock,
		IDs:           testutil.NewSeqIDGenerator("dec"),
	})
	return &fixture{store: st, log: l, promoter: p, clock: clock}
}

func proposalPayload(t *testing.T, proposalID, itemID, ref, ci, title, content string, labels ...string) []byte {
	t.Helper()
	b, err := json.Marshal(event.ProposalEvent{
		EventType:  event.TypeProposal,
		Ns:         "acme",
		ItemID:     itemID,
		ProposalID: proposalID,
		CI:         ci,
		Title:      title,
		Content:    content,
		Labels:     labels,
		Source: event.SourceInfo{
			Repo: "acme/docs", Ref: ref,
			Path: "memos/" + itemID + ".md", BlobSha: "abc123",
		},
		EmittedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return b
}

func retractPayload(t *testing.T, proposalID, itemID string) []byte {
	t.Helper()
	b, err := json.Marshal(event.ProposalEvent{
		EventType:  event.TypeProposal,
		Ns:         "acme",
		ItemID:     itemID,
		ProposalID: proposalID,
		CI:         "green",
		Action:     "retract",
		Title:      "retired",
		Content:    "",
		Source: event.SourceInfo{
			Repo: "acme/docs", Ref: "refs/heads/main",
			Path: "memos/" + itemID + ".md", BlobSha: "abc123",
		},
		EmittedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return b
}

func adminPayload(t *testing.T, eventID, itemID, action, title, content string, expectedVersion *int64) []byte {
	t.Helper()
	b, err := json.Marshal(event.AdminEvent{
		EventType: event.TypeAdmin,
		Ns:        "acme",
		ItemID:    itemID,
		EventID:   eventID,
		Action:    action,
		Title:     title,
		Content:   content,
		Admin: event.AdminMetadata{
			UserID:          "ops@acme",
			Reason:          "manual correction",
			BypassReview:    true,
			ExpectedVersion: expectedVersion,
		},
		Source: event.SourceInfo{
			Repo: "admin.override", Ref: "manual",
			Path: "manual/" + itemID, BlobSha: "manual",
		},
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return b
}

// countDeltas reads the whole log and counts delta messages for an item.
func countDeltas(t *testing.T, l *stream.Log, itemID string) int {
	t.Helper()
	ctx := context.Background()
	r, err := l.NewReader(ctx, event.DeltaFilter("acme"), 0)
	require.NoError(t, err)

	n := 0
	for {
		msg, ok, err := r.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		d, err := event.DecodeDelta(msg.Data)
		require.NoError(t, err)
		if d.ItemID == itemID {
			n++
		}
	}
	return n
}

func TestProposalPromotesFirstVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)

	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(1), res.NewVersion)
	require.NotNil(t, res.Delta)
	assert.Equal(t, event.TypeUpsert, res.Delta.Type)
	assert.Equal(t, int64(0), res.Delta.BaseVersion)
	assert.Equal(t, int64(1), res.Delta.NewVersion)

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.True(t, item.IsActive)
	assert.Equal(t, "Use OAuth2.", item.Content)
	assert.Equal(t, 1, countDeltas(t, f.log, "api.auth"))

	audits, err := f.store.ListAudit(ctx, "acme", store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, ReasonOK, audits[0].ReasonCode)
	assert.Equal(t, "delta:acme:api.auth:v1:im.upsert.v1", audits[0].DeltaMsgID)
}

func TestIdenticalRedeliveryYieldsOneVersionOneDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2.")
	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs", payload)
	require.NoError(t, err)
	require.Equal(t, Promoted, res.Outcome)

	for i := 0; i < 3; i++ {
		res, err = f.promoter.HandleProposal(ctx, "proposal.acme.docs", payload)
		require.NoError(t, err)
		assert.Equal(t, Duplicate, res.Outcome)
	}

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Version)
	assert.Equal(t, 1, countDeltas(t, f.log, "api.auth"))
}

func TestChangedContentAdvancesVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-2", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2 or mTLS."))
	require.NoError(t, err)

	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(2), res.NewVersion)
	require.NotNil(t, res.Delta)
	assert.Equal(t, int64(1), res.Delta.BaseVersion)
	assert.Equal(t, int64(2), res.Delta.NewVersion)
	assert.Equal(t, 2, countDeltas(t, f.log, "api.auth"))
}

func TestSameContentNewProposalIsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)

	// Different proposal id, identical content after canonicalization.
	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-2", "api.auth", "refs/heads/main", "green", "Auth", "Use  OAuth2.\r\n"))
	require.NoError(t, err)

	assert.Equal(t, Unchanged, res.Outcome)
	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Version)
	assert.Equal(t, 1, countDeltas(t, f.log, "api.auth"))

	audits, err := f.store.ListAudit(ctx, "acme", store.AuditFilter{ReasonCode: ReasonUnchanged})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].IsSameHash)
}

func TestSkipIsSideEffectFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)
	_, err = f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-2", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2 or mTLS."))
	require.NoError(t, err)

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-3", "api.auth", "refs/heads/feature/x", "green", "Auth", "Sneaky edit."))
	require.NoError(t, err)

	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "branch:not-main", res.ReasonCode)

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.Equal(t, int64(2), item.Version)
	assert.Equal(t, "Use OAuth2 or mTLS.", item.Content)
	assert.Equal(t, 2, countDeltas(t, f.log, "api.auth"))

	audits, err := f.store.ListAudit(ctx, "acme", store.AuditFilter{ReasonCode: "branch:not-main"})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "non-main branch", audits[0].ReasonDetail)
	// The skipped submission's content hash is still recorded.
	assert.Equal(t, canon.ContentHash("api.auth", "Auth", "Sneaky edit."), audits[0].InputHash)
}

func TestMonotonicVersionsAcrossAcceptedDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	contents := []string{"v one", "v two", "v three", "v four"}
	for i, c := range contents {
		res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
			proposalPayload(t, "prop-"+c, "api.auth", "refs/heads/main", "green", "Auth", c))
		require.NoError(t, err)
		require.Equal(t, Promoted, res.Outcome)
		assert.Equal(t, int64(i+1), res.NewVersion)
	}

	versions, err := f.store.ListVersions(ctx, "acme", "api.auth")
	require.NoError(t, err)
	require.Len(t, versions, len(contents))
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v.Version)
	}
}

func TestAdminDeleteRetracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)

	res, err := f.promoter.HandleAdmin(ctx, "admin.delete.acme.api.auth",
		adminPayload(t, "adm-1", "api.auth", "delete", "", "", nil))
	require.NoError(t, err)

	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(2), res.NewVersion)
	require.NotNil(t, res.Delta)
	assert.Equal(t, event.TypeRetract, res.Delta.Type)

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.False(t, item.IsActive)
	assert.Equal(t, int64(2), item.Version)
	// Last active content stays on the retracted row.
	assert.Equal(t, "Use OAuth2.", item.Content)
	assert.Equal(t, "policy-v1-admin", item.PolicyVersion)
}

func TestRetractOfInactiveItemStillAdvancesVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)
	_, err = f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		retractPayload(t, "prop-2", "api.auth"))
	require.NoError(t, err)

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		retractPayload(t, "prop-3", "api.auth"))
	require.NoError(t, err)

	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(3), res.NewVersion)
	require.NotNil(t, res.Delta)
	assert.Equal(t, event.TypeRetract, res.Delta.Type)
	assert.Equal(t, int64(2), res.Delta.BaseVersion)

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.False(t, item.IsActive)
	assert.Equal(t, int64(3), item.Version)
	// The content frozen at the last active version carries forward.
	assert.Equal(t, "Use OAuth2.", item.Content)
	assert.Equal(t, 3, countDeltas(t, f.log, "api.auth"))
}

func TestRetractOfUnknownItemCreatesInactiveFirstVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		retractPayload(t, "prop-1", "never.seen"))
	require.NoError(t, err)

	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(1), res.NewVersion)
	require.NotNil(t, res.Delta)
	assert.Equal(t, event.TypeRetract, res.Delta.Type)

	item, err := f.store.GetItem(ctx, "acme", "never.seen")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.False(t, item.IsActive)
	assert.Equal(t, int64(1), item.Version)
}

func TestAdminDeleteOfAbsentItemCreatesInactiveFirstVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.promoter.HandleAdmin(ctx, "admin.delete.acme.ghost",
		adminPayload(t, "adm-1", "ghost", "delete", "", "", nil))
	require.NoError(t, err)

	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(1), res.NewVersion)
	require.NotNil(t, res.Delta)
	assert.Equal(t, event.TypeRetract, res.Delta.Type)

	item, err := f.store.GetItem(ctx, "acme", "ghost")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.False(t, item.IsActive)
	assert.Equal(t, int64(1), item.Version)
	assert.Equal(t, 1, countDeltas(t, f.log, "ghost"))
}

func TestAdminDeleteOfInactiveItemIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)
	_, err = f.promoter.HandleAdmin(ctx, "admin.delete.acme.api.auth",
		adminPayload(t, "adm-1", "api.auth", "delete", "", "", nil))
	require.NoError(t, err)

	res, err := f.promoter.HandleAdmin(ctx, "admin.delete.acme.api.auth",
		adminPayload(t, "adm-2", "api.auth", "delete", "", "", nil))
	require.NoError(t, err)

	assert.Equal(t, Unchanged, res.Outcome)
	assert.Equal(t, ReasonAlreadyDeleted, res.ReasonCode)

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.Equal(t, int64(2), item.Version)
	assert.Equal(t, 2, countDeltas(t, f.log, "api.auth"))
}

func TestAdminConflictIsSideEffectFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Build up to version 3: upsert, upsert, admin delete.
	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)
	_, err = f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-2", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2 or mTLS."))
	require.NoError(t, err)
	_, err = f.promoter.HandleAdmin(ctx, "admin.delete.acme.api.auth",
		adminPayload(t, "adm-1", "api.auth", "delete", "", "", nil))
	require.NoError(t, err)

	stale := int64(1)
	res, err := f.promoter.HandleAdmin(ctx, "admin.update.acme.api.auth",
		adminPayload(t, "adm-2", "api.auth", "update", "Auth", "Clobbered.", &stale))
	require.NoError(t, err)

	assert.Equal(t, Conflict, res.Outcome)
	assert.Equal(t, ReasonAdminConflict, res.ReasonCode)

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.Version)
	assert.False(t, item.IsActive)
	assert.Equal(t, "Use OAuth2 or mTLS.", item.Content)
	assert.Equal(t, 3, countDeltas(t, f.log, "api.auth"))

	audits, err := f.store.ListAudit(ctx, "acme", store.AuditFilter{ReasonCode: ReasonAdminConflict})
	require.NoError(t, err)
	require.Len(t, audits, 1)

	// The conflict is terminal: redelivery is a duplicate, not a retry.
	res, err = f.promoter.HandleAdmin(ctx, "admin.update.acme.api.auth",
		adminPayload(t, "adm-2", "api.auth", "update", "Auth", "Clobbered.", &stale))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Outcome)
}

func TestAdminMatchingExpectedVersionApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2."))
	require.NoError(t, err)

	exp := int64(1)
	res, err := f.promoter.HandleAdmin(ctx, "admin.update.acme.api.auth",
		adminPayload(t, "adm-1", "api.auth", "update", "Auth", "Corrected.", &exp))
	require.NoError(t, err)

	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(2), res.NewVersion)

	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.Equal(t, "Corrected.", item.Content)
	assert.Equal(t, "policy-v1-admin", item.PolicyVersion)
}

func TestMalformedPayloadIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs", []byte(`{"event_type":"im.proposal.v1"}`))
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)
	assert.True(t, res.Outcome.Terminal())

	res, err = f.promoter.HandleAdmin(ctx, "admin.update.acme.x", []byte(`not json`))
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)
}

func TestPublishGapRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2.")
	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs", payload)
	require.NoError(t, err)
	require.Equal(t, Promoted, res.Outcome)

	// Simulate a crash after the state commit but before the ledger
	// mark: erase the seen row, then redeliver.
	_, err = f.store.DB().Exec(`DELETE FROM promoter_seen_events`)
	require.NoError(t, err)

	res, err = f.promoter.HandleProposal(ctx, "proposal.acme.docs", payload)
	require.NoError(t, err)
	assert.Equal(t, Promoted, res.Outcome)
	assert.Equal(t, int64(1), res.NewVersion)

	// The re-publish hit the log's msg-id dedupe: still one delta.
	item, err := f.store.GetItem(ctx, "acme", "api.auth")
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Version)
	assert.Equal(t, 1, countDeltas(t, f.log, "api.auth"))

	// The ledger is repaired; the next redelivery is a plain duplicate.
	res, err = f.promoter.HandleProposal(ctx, "proposal.acme.docs", payload)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Outcome)
}

func TestExperimentalLabelSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "green", "Auth", "Use OAuth2.", "Experimental"))
	require.NoError(t, err)

	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "experimental", res.ReasonCode)
	assert.Equal(t, 0, countDeltas(t, f.log, "api.auth"))
}

func TestCINotGreenSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.promoter.HandleProposal(ctx, "proposal.acme.docs",
		proposalPayload(t, "prop-1", "api.auth", "refs/heads/main", "red", "Auth", "Use OAuth2."))
	require.NoError(t, err)

	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "ci:not-green", res.ReasonCode)
}
