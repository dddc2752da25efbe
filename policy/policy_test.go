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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
)

func TestApprovalChainAdvancesOneStepAtATime(t *testing.T) {
	to, allowed, ok := Lookup(catalog.StatusPendingTeamLead, IntentApprove, auth.RoleTeamLead)
	assert.True(t, ok)
	assert.True(t, allowed)
	assert.Equal(t, catalog.StatusPendingSupervisor, to)

	// a supervisor can't approve at the team-lead stage
	_, allowed, ok = Lookup(catalog.StatusPendingTeamLead, IntentApprove, auth.RoleSupervisor)
	assert.True(t, ok)
	assert.False(t, allowed)
}

func TestUnknownEdgeIsNotOk(t *testing.T) {
	_, _, ok := Lookup(catalog.StatusTransferred, IntentApprove, auth.RoleAdmin)
	assert.False(t, ok)
}

func TestRejectPermittedForStageRoleAndAdmin(t *testing.T) {
	for _, role := range []auth.Role{auth.RoleSupervisor, auth.RoleAdmin} {
		to, allowed, ok := Lookup(catalog.StatusPendingSupervisor, IntentReject, role)
		assert.True(t, ok)
		assert.True(t, allowed)
		assert.Equal(t, catalog.StatusRejected, to)
	}
}

func TestScanOutcomeBranchesOnCleanliness(t *testing.T) {
	assert.Equal(t, catalog.StatusScanPassed, ScanOutcome(true))
	assert.Equal(t, catalog.StatusScanFailed, ScanOutcome(false))
}

func TestTerminalStatesRejectCancel(t *testing.T) {
	assert.False(t, CanCancel(catalog.StatusTransferred, auth.RoleAdmin, false))
	assert.True(t, CanCancel(catalog.StatusScanning, auth.RoleAdmin, false))
	assert.True(t, CanCancel(catalog.StatusUploaded, auth.RoleArtist, true))
	assert.False(t, CanCancel(catalog.StatusUploaded, auth.RoleArtist, false))
}

func TestOnlyAdminCanOverride(t *testing.T) {
	assert.True(t, CanOverride(auth.RoleAdmin))
	assert.False(t, CanOverride(auth.RoleITTeam))
}

func TestVisibilityArtistSeesOnlyOwnTransfers(t *testing.T) {
	pred := Visible(42, auth.RoleArtist)
	assert.True(t, pred(catalog.Transfer{ArtistId: 42, Status: catalog.StatusUploaded}))
	assert.False(t, pred(catalog.Transfer{ArtistId: 99, Status: catalog.StatusUploaded}))
}

func TestVisibilityTeamLeadSeesPendingAndOwn(t *testing.T) {
	pred := Visible(7, auth.RoleTeamLead)
	assert.True(t, pred(catalog.Transfer{ArtistId: 1, Status: catalog.StatusPendingTeamLead}))
	assert.True(t, pred(catalog.Transfer{ArtistId: 7, Status: catalog.StatusTransferred}))
	assert.False(t, pred(catalog.Transfer{ArtistId: 1, Status: catalog.StatusPendingSupervisor}))
}

func TestVisibilitySupervisorSeesAnythingPastUpload(t *testing.T) {
	pred := Visible(7, auth.RoleSupervisor)
	assert.True(t, pred(catalog.Transfer{Status: catalog.StatusPendingSupervisor}))
	assert.True(t, pred(catalog.Transfer{Status: catalog.StatusTransferred}))
	assert.False(t, pred(catalog.Transfer{Status: catalog.StatusUploaded}))
}

func TestVisibilityDataTeamScopedToMachineStages(t *testing.T) {
	pred := Visible(0, auth.RoleDataTeam)
	assert.True(t, pred(catalog.Transfer{Status: catalog.StatusScanning}))
	assert.True(t, pred(catalog.Transfer{Status: catalog.StatusScanFailed}))
	assert.False(t, pred(catalog.Transfer{Status: catalog.StatusPendingTeamLead}))
	assert.False(t, pred(catalog.Transfer{Status: catalog.StatusTransferred}))
}

func TestVisibilityITTeamScopedToTransferStages(t *testing.T) {
	pred := Visible(0, auth.RoleITTeam)
	assert.True(t, pred(catalog.Transfer{Status: catalog.StatusTransferring}))
	assert.False(t, pred(catalog.Transfer{Status: catalog.StatusScanning}))
}

func TestVisibilityAdminSeesEverything(t *testing.T) {
	pred := Visible(0, auth.RoleAdmin)
	assert.True(t, pred(catalog.Transfer{Status: catalog.StatusUploaded}))
	assert.True(t, pred(catalog.Transfer{Status: catalog.StatusTransferred}))
}

func TestPendingStatusForHumanRoles(t *testing.T) {
	status, ok := PendingStatusFor(auth.RoleSupervisor)
	assert.True(t, ok)
	assert.Equal(t, catalog.StatusPendingSupervisor, status)

	_, ok = PendingStatusFor(auth.RoleDataTeam)
	assert.False(t, ok)
}
