package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProposalJSON() []byte {
	return []byte(`{
		"event_type": "im.proposal.v1",
		"ns": "acme",
		"item_id": "api.auth",
		"proposal_id": "abc123",
		"ci": "green",
		"title": "Auth",
		"content": "Use OAuth2.",
		"labels": ["security"],
		"source": {"repo": "github.com/acme/handbook", "ref": "refs/heads/main", "path": "items/api-auth.md", "blob_sha": "deadbeef"},
		"emitted_at": "2026-08-30T10:00:00Z"
	}`)
}

func TestDecodeProposal_Valid(t *testing.T) {
	p, err := DecodeProposal(validProposalJSON())
	require.NoError(t, err)

	assert.Equal(t, "acme", p.Ns)
	assert.Equal(t, "api.auth", p.ItemID)
	assert.Equal(t, "abc123", p.ProposalID)
	assert.Equal(t, "green", p.CI)
	assert.Equal(t, []string{"security"}, p.Labels)
	assert.Equal(t, "refs/heads/main", p.Source.Ref)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), p.EmittedAt)
	assert.Equal(t, "abc123-api.auth", p.EventKey())
}

func TestDecodeProposal_MissingRequiredField(t *testing.T) {
	payload := []byte(`{
		"event_type": "im.proposal.v1",
		"ns": "acme",
		"proposal_id": "abc123",
		"title": "Auth",
		"content": "Use OAuth2.",
		"source": {"repo": "r", "ref": "main", "path": "p", "blob_sha": "b"},
		"emitted_at": "2026-08-30T10:00:00Z"
	}`)

	_, err := DecodeProposal(payload)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "item_id")
}

func TestDecodeProposal_BlankRequiredField(t *testing.T) {
	payload := []byte(`{
		"event_type": "im.proposal.v1",
		"ns": "  ",
		"item_id": "api.auth",
		"proposal_id": "abc123",
		"title": "Auth",
		"content": "Use OAuth2.",
		"source": {"repo": "r", "ref": "main", "path": "p", "blob_sha": "b"},
		"emitted_at": "2026-08-30T10:00:00Z"
	}`)

	_, err := DecodeProposal(payload)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDecodeProposal_WrongEventType(t *testing.T) {
	payload := []byte(`{
		"event_type": "something.else.v1",
		"ns": "acme",
		"item_id": "api.auth",
		"proposal_id": "abc123",
		"title": "Auth",
		"content": "Use OAuth2.",
		"source": {"repo": "r", "ref": "main", "path": "p", "blob_sha": "b"},
		"emitted_at": "2026-08-30T10:00:00Z"
	}`)

	_, err := DecodeProposal(payload)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDecodeProposal_MalformedJSON(t *testing.T) {
	_, err := DecodeProposal([]byte(`{not json`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDecodeAdmin_Valid(t *testing.T) {
	expected := int64(3)
	payload := []byte(`{
		"event_type": "im.admin.v1",
		"ns": "acme",
		"item_id": "api.auth",
		"event_id": "evt-1",
		"action": "update",
		"title": "Auth",
		"content": "Use OAuth2 or mTLS.",
		"admin_metadata": {"user_id": "ops", "reason": "hotfix", "bypass_review": true, "expected_version": 3},
		"source": {"repo": "admin.override", "ref": "manual", "path": "admin/api.auth", "blob_sha": "cafe"},
		"occurred_at": "2026-08-30T11:00:00Z"
	}`)

	a, err := DecodeAdmin(payload)
	require.NoError(t, err)
	assert.Equal(t, "update", a.Action)
	assert.True(t, a.Admin.BypassReview)
	require.NotNil(t, a.Admin.ExpectedVersion)
	assert.Equal(t, expected, *a.Admin.ExpectedVersion)
}

func TestDecodeAdmin_InvalidAction(t *testing.T) {
	payload := []byte(`{
		"event_type": "im.admin.v1",
		"ns": "acme",
		"item_id": "api.auth",
		"event_id": "evt-1",
		"action": "destroy",
		"admin_metadata": {"user_id": "ops", "bypass_review": true},
		"source": {"repo": "admin.override", "ref": "manual", "path": "p", "blob_sha": "b"},
		"occurred_at": "2026-08-30T11:00:00Z"
	}`)

	_, err := DecodeAdmin(payload)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDecodeDelta_RoundTrip(t *testing.T) {
	d := DeltaEvent{
		Type:          TypeUpsert,
		Ns:            "acme",
		ItemID:        "api.auth",
		BaseVersion:   0,
		NewVersion:    1,
		Title:         "Auth",
		Content:       "Use OAuth2.",
		Labels:        []string{"security"},
		InputEventID:  "abc123-api.auth",
		InputHash:     "ffff",
		PolicyVersion: "promoter-1.0.0",
		Source:        SourceInfo{Repo: "r", Ref: "refs/heads/main", Path: "p", BlobSha: "b"},
		OccurredAt:    time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		EmittedAt:     time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC),
	}

	raw, err := EncodeDelta(d)
	require.NoError(t, err)

	got, err := DecodeDelta(raw)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.True(t, got.IsUpsert())
	assert.Equal(t, "delta:acme:api.auth:v1:im.upsert.v1", got.MsgID())
}

func TestDecodeDelta_RejectsZeroNewVersion(t *testing.T) {
	payload := []byte(`{
		"type": "im.upsert.v1",
		"ns": "acme",
		"item_id": "api.auth",
		"base_version": 0,
		"new_version": 0,
		"input_event_id": "x",
		"policy_version": "promoter-1.0.0",
		"source": {"repo": "r", "ref": "main", "path": "p", "blob_sha": "b"},
		"occurred_at": "2026-08-30T10:00:00Z",
		"emitted_at": "2026-08-30T10:00:01Z"
	}`)

	_, err := DecodeDelta(payload)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
