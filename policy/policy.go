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

// Package policy holds the pure, side-effect-free parts of the state machine:
// the (status, intent, role) -> next-status transition table and the
// role-scoped visibility predicates. Nothing here touches the database;
// package statemachine is the only caller and supplies all I/O.
package policy

import (
	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
)

// IntentKind is the closed set of actions that can drive a transfer's state
// machine. Worker-originated kinds (complete_scan, prepare, copy_done,
// copy_error, verify_ok, verify_mismatch) are distinguished from human-originated ones
// (submit, approve, reject, cancel, override) only by which role is allowed
// to issue them — the table below is the single source of truth.
type IntentKind string

const (
	IntentSubmit      IntentKind = "submit"
	IntentApprove     IntentKind = "approve"
	IntentReject      IntentKind = "reject"
	IntentStartScan   IntentKind = "start_scan"
	IntentCompleteScan IntentKind = "complete_scan"
	IntentPrepare     IntentKind = "prepare"
	IntentExecute     IntentKind = "execute"
	IntentCopyDone    IntentKind = "copy_done"
	IntentCopyError   IntentKind = "copy_error"
	IntentVerifyOK    IntentKind = "verify_ok"
	IntentVerifyMismatch IntentKind = "verify_mismatch"
	IntentCancel      IntentKind = "cancel"
	IntentOverride    IntentKind = "override"
)

// edgeKey identifies one row of the transition table: the state a transfer
// is currently in, plus the intent being attempted.
type edgeKey struct {
	From   catalog.TransferStatus
	Intent IntentKind
}

// edge names every role permitted to drive this transition and the state it
// leads to. Roles is checked by the caller (statemachine.Apply); an empty
// Roles slice means "any role may not trigger this from a request" (i.e.
// the entry does not exist, which Lookup reports as ok=false).
type edge struct {
	Roles []auth.Role
	To    catalog.TransferStatus
}

// the transition table of spec.md §4.1, transcribed edge for edge. Cancel
// and override are handled separately (they apply from "any non-terminal"
// and "any" state respectively) rather than as per-state rows.
var transitions = map[edgeKey]edge{
	{catalog.StatusUploaded, IntentSubmit}: {
		Roles: []auth.Role{auth.RoleArtist},
		To:    catalog.StatusPendingTeamLead,
	},
	{catalog.StatusPendingTeamLead, IntentApprove}: {
		Roles: []auth.Role{auth.RoleTeamLead},
		To:    catalog.StatusPendingSupervisor,
	},
	{catalog.StatusPendingTeamLead, IntentReject}: {
		Roles: []auth.Role{auth.RoleTeamLead, auth.RoleAdmin},
		To:    catalog.StatusRejected,
	},
	{catalog.StatusPendingSupervisor, IntentApprove}: {
		Roles: []auth.Role{auth.RoleSupervisor},
		To:    catalog.StatusPendingLineProducer,
	},
	{catalog.StatusPendingSupervisor, IntentReject}: {
		Roles: []auth.Role{auth.RoleSupervisor, auth.RoleAdmin},
		To:    catalog.StatusRejected,
	},
	{catalog.StatusPendingLineProducer, IntentApprove}: {
		Roles: []auth.Role{auth.RoleLineProducer},
		To:    catalog.StatusApproved,
	},
	{catalog.StatusPendingLineProducer, IntentReject}: {
		Roles: []auth.Role{auth.RoleLineProducer, auth.RoleAdmin},
		To:    catalog.StatusRejected,
	},
	{catalog.StatusApproved, IntentStartScan}: {
		Roles: []auth.Role{auth.RoleDataTeam, auth.RoleAdmin},
		To:    catalog.StatusScanning,
	},
	{catalog.StatusScanning, IntentCompleteScan}: {
		// ScanWorker decides pass/fail itself and supplies the target
		// status (scan_passed or scan_failed); see ScanOutcome below.
		Roles: []auth.Role{auth.RoleDataTeam},
		To:    catalog.StatusScanPassed,
	},
	{catalog.StatusScanPassed, IntentPrepare}: {
		Roles: []auth.Role{auth.RoleDataTeam},
		To:    catalog.StatusReadyForTransfer,
	},
	{catalog.StatusReadyForTransfer, IntentExecute}: {
		Roles: []auth.Role{auth.RoleITTeam, auth.RoleAdmin},
		To:    catalog.StatusTransferring,
	},
	{catalog.StatusTransferring, IntentCopyDone}: {
		Roles: []auth.Role{auth.RoleITTeam},
		To:    catalog.StatusVerifying,
	},
	{catalog.StatusTransferring, IntentCopyError}: {
		Roles: []auth.Role{auth.RoleITTeam},
		To:    catalog.StatusScanFailed,
	},
	{catalog.StatusVerifying, IntentVerifyOK}: {
		Roles: []auth.Role{auth.RoleITTeam},
		To:    catalog.StatusTransferred,
	},
	{catalog.StatusVerifying, IntentVerifyMismatch}: {
		Roles: []auth.Role{auth.RoleITTeam},
		To:    catalog.StatusScanFailed,
	},
}

// terminal states admit no transition except admin override (always);
// cancel is refused in them.
var terminalStates = map[catalog.TransferStatus]bool{
	catalog.StatusTransferred: true,
	catalog.StatusRejected:    true,
	catalog.StatusCancelled:   true,
	catalog.StatusScanFailed:  true,
}

func IsTerminal(s catalog.TransferStatus) bool {
	return terminalStates[s]
}

// Lookup returns the destination status for (from, intent), and whether the
// given role is permitted to trigger it. ok is false if no such edge exists
// at all (regardless of role); allowed is false if the edge exists but role
// isn't among those permitted.
func Lookup(from catalog.TransferStatus, intent IntentKind, role auth.Role) (to catalog.TransferStatus, allowed bool, ok bool) {
	e, exists := transitions[edgeKey{From: from, Intent: intent}]
	if !exists {
		return "", false, false
	}
	for _, r := range e.Roles {
		if r == role {
			return e.To, true, true
		}
	}
	return e.To, false, true
}

// CanCancel reports whether role may cancel a transfer currently in state
// from, owned by the artist identified by isOwner. Cancel is permitted from
// any non-terminal state, by the owning artist or an admin.
func CanCancel(from catalog.TransferStatus, role auth.Role, isOwner bool) bool {
	if IsTerminal(from) {
		return false
	}
	return role == auth.RoleAdmin || (role == auth.RoleArtist && isOwner)
}

// CanOverride reports whether role may force-transition a transfer from any
// state. Only admins may override.
func CanOverride(role auth.Role) bool {
	return role == auth.RoleAdmin
}

// ScanOutcome resolves ScanWorker's complete_scan intent to its destination
// status, since unlike every other edge this one branches on worker-computed
// data (whether every file came back clean and verified) rather than on role
// alone. See spec.md §4.3.
func ScanOutcome(allClean bool) catalog.TransferStatus {
	if allClean {
		return catalog.StatusScanPassed
	}
	return catalog.StatusScanFailed
}

// Visible returns a predicate selecting which transfers actor may read, per
// spec.md §4.6. The predicate is evaluated in Go against an already-loaded
// Transfer (the catalog is small enough that filtering in-process is
// simpler than building per-role SQL WHERE clauses, and keeps the predicate
// logic exhaustively testable in one place).
func Visible(actorId int64, role auth.Role) func(t catalog.Transfer) bool {
	switch role {
	case auth.RoleAdmin:
		return func(t catalog.Transfer) bool { return true }
	case auth.RoleArtist:
		return func(t catalog.Transfer) bool { return t.ArtistId == actorId }
	case auth.RoleTeamLead:
		return func(t catalog.Transfer) bool {
			return t.Status == catalog.StatusPendingTeamLead || t.ArtistId == actorId
		}
	case auth.RoleSupervisor:
		return func(t catalog.Transfer) bool {
			return t.Status == catalog.StatusPendingSupervisor || t.Status != catalog.StatusUploaded
		}
	case auth.RoleLineProducer:
		return func(t catalog.Transfer) bool {
			return t.Status == catalog.StatusPendingLineProducer || t.Status != catalog.StatusUploaded
		}
	case auth.RoleDataTeam:
		return func(t catalog.Transfer) bool {
			switch t.Status {
			case catalog.StatusApproved, catalog.StatusScanning, catalog.StatusScanPassed,
				catalog.StatusScanFailed, catalog.StatusReadyForTransfer:
				return true
			default:
				return false
			}
		}
	case auth.RoleITTeam:
		return func(t catalog.Transfer) bool {
			switch t.Status {
			case catalog.StatusReadyForTransfer, catalog.StatusTransferring,
				catalog.StatusVerifying, catalog.StatusTransferred:
				return true
			default:
				return false
			}
		}
	default:
		return func(t catalog.Transfer) bool { return false }
	}
}

// PendingStatusFor returns the status value that represents "awaiting this
// actor's action," used by ApprovalCoordinator.pending_for. Admin has no
// single pending status (it sees all three human-pending states, handled
// specially by the caller).
func PendingStatusFor(role auth.Role) (catalog.TransferStatus, bool) {
	switch role {
	case auth.RoleTeamLead:
		return catalog.StatusPendingTeamLead, true
	case auth.RoleSupervisor:
		return catalog.StatusPendingSupervisor, true
	case auth.RoleLineProducer:
		return catalog.StatusPendingLineProducer, true
	default:
		return "", false
	}
}

// PendingStatusesForAdmin is the set of states an admin's pending_for view
// surfaces: every human-approval stage at once.
var PendingStatusesForAdmin = []catalog.TransferStatus{
	catalog.StatusPendingTeamLead,
	catalog.StatusPendingSupervisor,
	catalog.StatusPendingLineProducer,
}

// PendingStatusesForDataTeam and PendingStatusesForITTeam cover the two
// worker-role "pending" views named explicitly in spec.md §4.2.
var PendingStatusesForDataTeam = []catalog.TransferStatus{catalog.StatusApproved, catalog.StatusScanPassed}
var PendingStatusesForITTeam = []catalog.TransferStatus{catalog.StatusReadyForTransfer}
