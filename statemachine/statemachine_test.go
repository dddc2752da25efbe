// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package statemachine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpstudio/dts/audit"
	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
	"github.com/kelpstudio/dts/queue"
)

func newTestStateMachine(t *testing.T) (*StateMachine, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Stop() })
	q.RegisterHandler("scanning", 1, func(queue.Message) error { return nil })
	q.RegisterHandler("transfer", 1, func(queue.Message) error { return nil })
	q.RegisterHandler("notifications", 0, func(queue.Message) error { return nil })
	require.NoError(t, q.Start())

	journal, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	return New(cat, q, journal), cat
}

func makeTransfer(t *testing.T, cat *catalog.Catalog, artistId int64) catalog.Transfer {
	t.Helper()
	xfer, err := cat.CreateTransfer(catalog.NewTransfer{
		Name: "shot_010_comp", Category: "comp", ArtistId: artistId, StagingPath: "/staging/shot_010",
	})
	require.NoError(t, err)
	_, err = cat.InsertFile(catalog.NewFile{
		TransferId: xfer.Id, Filename: "shot_010.exr", OriginalPath: "shot_010.exr",
		SizeBytes: 1024, ChecksumSHA256: "abc123",
	})
	require.NoError(t, err)
	return xfer
}

func TestSubmitAdvancesToPendingTeamLead(t *testing.T) {
	sm, cat := newTestStateMachine(t)
	artist, err := cat.CreateUser(auth.User{Username: "artist1", Role: auth.RoleArtist}, "hunter22222")
	require.NoError(t, err)
	xfer := makeTransfer(t, cat, artist.Id)

	updated, err := sm.Apply(xfer.Id, Intent{Kind: policy.IntentSubmit, Actor: artist})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusPendingTeamLead, updated.Status)
}

func TestSubmitRejectsNonOwner(t *testing.T) {
	sm, cat := newTestStateMachine(t)
	artist, err := cat.CreateUser(auth.User{Username: "artist1", Role: auth.RoleArtist}, "hunter22222")
	require.NoError(t, err)
	other, err := cat.CreateUser(auth.User{Username: "artist2", Role: auth.RoleArtist}, "hunter22222")
	require.NoError(t, err)
	xfer := makeTransfer(t, cat, artist.Id)

	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentSubmit, Actor: other})
	assert.Error(t, err)
	var pfe *PreconditionFailedError
	assert.ErrorAs(t, err, &pfe)
}

func TestTeamLeadCannotApproveTwice(t *testing.T) {
	sm, cat := newTestStateMachine(t)
	artist, _ := cat.CreateUser(auth.User{Username: "artist1", Role: auth.RoleArtist}, "hunter22222")
	teamLead, _ := cat.CreateUser(auth.User{Username: "tl1", Role: auth.RoleTeamLead}, "hunter22222")
	xfer := makeTransfer(t, cat, artist.Id)

	_, err := sm.Apply(xfer.Id, Intent{Kind: policy.IntentSubmit, Actor: artist})
	require.NoError(t, err)

	updated, err := sm.Apply(xfer.Id, Intent{Kind: policy.IntentApprove, Actor: teamLead})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusPendingSupervisor, updated.Status)

	// the team lead can't approve again — that stage has already decided
	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentApprove, Actor: teamLead})
	assert.Error(t, err)
}

func TestRejectRequiresTenCharacterReason(t *testing.T) {
	sm, cat := newTestStateMachine(t)
	artist, _ := cat.CreateUser(auth.User{Username: "artist1", Role: auth.RoleArtist}, "hunter22222")
	teamLead, _ := cat.CreateUser(auth.User{Username: "tl1", Role: auth.RoleTeamLead}, "hunter22222")
	xfer := makeTransfer(t, cat, artist.Id)
	_, err := sm.Apply(xfer.Id, Intent{Kind: policy.IntentSubmit, Actor: artist})
	require.NoError(t, err)

	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentReject, Actor: teamLead, Reason: "too short"})
	assert.Error(t, err)

	updated, err := sm.Apply(xfer.Id, Intent{
		Kind: policy.IntentReject, Actor: teamLead, Reason: "missing required color space metadata",
	})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusRejected, updated.Status)

	records, err := sm.audit.Records(updated.CreatedAt, updated.CreatedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, updated.Id, records[0].TransferId)
	assert.Equal(t, string(catalog.StatusRejected), records[0].Status)
}

func TestCompleteScanBranchesOnCleanliness(t *testing.T) {
	sm, cat := newTestStateMachine(t)
	artist, _ := cat.CreateUser(auth.User{Username: "artist1", Role: auth.RoleArtist}, "hunter22222")
	teamLead, _ := cat.CreateUser(auth.User{Username: "tl1", Role: auth.RoleTeamLead}, "hunter22222")
	supervisor, _ := cat.CreateUser(auth.User{Username: "sup1", Role: auth.RoleSupervisor}, "hunter22222")
	lineProducer, _ := cat.CreateUser(auth.User{Username: "lp1", Role: auth.RoleLineProducer}, "hunter22222")
	dataTeam, _ := cat.CreateUser(auth.User{Username: "dt1", Role: auth.RoleDataTeam}, "hunter22222")
	xfer := makeTransfer(t, cat, artist.Id)

	_, err := sm.Apply(xfer.Id, Intent{Kind: policy.IntentSubmit, Actor: artist})
	require.NoError(t, err)
	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentApprove, Actor: teamLead})
	require.NoError(t, err)
	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentApprove, Actor: supervisor})
	require.NoError(t, err)
	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentApprove, Actor: lineProducer})
	require.NoError(t, err)
	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentStartScan, Actor: dataTeam})
	require.NoError(t, err)

	updated, err := sm.Apply(xfer.Id, Intent{
		Kind: policy.IntentCompleteScan, Actor: dataTeam, AllFilesClean: true,
		ScanSummary: map[string]any{"clean": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusScanPassed, updated.Status)
	require.NotNil(t, updated.ScanPassed)
	assert.True(t, *updated.ScanPassed)
}

func TestAdminOverrideSkipsPendingApprovals(t *testing.T) {
	sm, cat := newTestStateMachine(t)
	artist, _ := cat.CreateUser(auth.User{Username: "artist1", Role: auth.RoleArtist}, "hunter22222")
	admin, _ := cat.CreateUser(auth.User{Username: "admin1", Role: auth.RoleAdmin}, "hunter22222")
	xfer := makeTransfer(t, cat, artist.Id)

	updated, err := sm.Apply(xfer.Id, Intent{
		Kind: policy.IntentOverride, Actor: admin, TargetStatus: catalog.StatusApproved,
		Reason: "escalated by production for urgent delivery",
	})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusApproved, updated.Status)

	chain, err := cat.ApprovalChain(xfer.Id)
	require.NoError(t, err)
	for _, a := range chain {
		assert.Equal(t, catalog.ApprovalSkipped, a.Status)
	}
}

func TestCancelRejectedFromTerminalState(t *testing.T) {
	sm, cat := newTestStateMachine(t)
	artist, _ := cat.CreateUser(auth.User{Username: "artist1", Role: auth.RoleArtist}, "hunter22222")
	teamLead, _ := cat.CreateUser(auth.User{Username: "tl1", Role: auth.RoleTeamLead}, "hunter22222")
	xfer := makeTransfer(t, cat, artist.Id)
	_, err := sm.Apply(xfer.Id, Intent{Kind: policy.IntentSubmit, Actor: artist})
	require.NoError(t, err)
	_, err = sm.Apply(xfer.Id, Intent{
		Kind: policy.IntentReject, Actor: teamLead, Reason: "doesn't match latest turnover",
	})
	require.NoError(t, err)

	_, err = sm.Apply(xfer.Id, Intent{Kind: policy.IntentCancel, Actor: artist})
	assert.Error(t, err)
}
