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

// Package statemachine implements the sole mutator of a Transfer's lifecycle:
// Apply. Everything else in the pipeline — RequestSurface handlers, worker
// loops, the approval facade — drives state forward by calling Apply with an
// Intent; nothing else writes to the transfers, approvals, or
// transfer_history tables.
package statemachine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelpstudio/dts/audit"
	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
	"github.com/kelpstudio/dts/queue"
	"github.com/kelpstudio/dts/store"
)

// StateMachine wraps the catalog (for load/mutate/save and history), the
// task queue (for the follow-up messages Apply enqueues once its
// transaction commits), and the audit journal (for the terminal-outcome
// side record Apply appends once a transition lands on a terminal status).
type StateMachine struct {
	cat   *catalog.Catalog
	tasks *queue.TaskQueue
	audit *audit.Journal
}

func New(cat *catalog.Catalog, tasks *queue.TaskQueue, journal *audit.Journal) *StateMachine {
	return &StateMachine{cat: cat, tasks: tasks, audit: journal}
}

// Apply is spec.md §4.1's transition primitive. It loads the transfer,
// checks the intent against the policy table, mutates transfer/approval
// state, appends one history row, persists the notifications the edge
// prescribes — all inside one transaction — then, strictly after commit,
// enqueues whatever follow-up queue messages the transition implies.
func (sm *StateMachine) Apply(transferId int64, intent Intent) (catalog.Transfer, error) {
	type result struct {
		transfer  catalog.Transfer
		followUps []followUp
	}

	r, err := catalog.WithTx(sm.cat, func(tx *store.Tx) (result, error) {
		transfer, err := catalog.TransferByIDTx(tx, transferId)
		if err != nil {
			return result{}, err
		}

		before := transfer.Status
		to, recipients, followUps, err := sm.transition(tx, &transfer, intent)
		if err != nil {
			return result{}, err
		}

		transfer.Status = to
		transfer.UpdatedAt = store.Now()
		if err := catalog.SaveTransferTx(tx, transfer); err != nil {
			return result{}, err
		}

		metadata := map[string]any{
			"old_status": string(before),
			"new_status": string(to),
			"actor":      intent.Actor.Username,
		}
		if intent.Comment != "" {
			metadata["comment"] = intent.Comment
		}
		if intent.Reason != "" {
			metadata["reason"] = intent.Reason
		}
		var actorId *int64
		if intent.Actor.Id != 0 {
			id := intent.Actor.Id
			actorId = &id
		}
		if err := catalog.AppendHistoryTx(tx, catalog.NewHistoryEntry{
			TransferId:  transferId,
			UserId:      actorId,
			Action:      string(intent.Kind),
			Description: fmt.Sprintf("%s: %s -> %s", intent.Kind, before, to),
			Metadata:    metadata,
		}); err != nil {
			return result{}, err
		}

		for _, n := range recipients {
			created, err := catalog.CreateNotificationTx(tx, n)
			if err != nil {
				return result{}, err
			}
			// NotificationFanout's email leg is dispatched async, one message
			// per notification row, so a slow/unreachable SMTP relay never
			// holds up the transition transaction itself.
			followUps = append(followUps, followUp{
				queue:          "notifications",
				idempotencyKey: fmt.Sprintf("notify:%d:email", created.Id),
				payload:        map[string]any{"notification_id": created.Id},
			})
		}

		return result{transfer: transfer, followUps: followUps}, nil
	})
	if err != nil {
		return catalog.Transfer{}, err
	}

	// step 8 of spec.md §4.1: enqueue only after commit.
	for _, f := range r.followUps {
		if err := sm.tasks.Enqueue(f.queue, f.idempotencyKey, f.payload); err != nil {
			return r.transfer, fmt.Errorf("transfer %d: transition committed but enqueue of %q failed: %w",
				transferId, f.queue, err)
		}
	}

	if policy.IsTerminal(r.transfer.Status) {
		sm.recordTerminal(r.transfer)
	}

	return r.transfer, nil
}

// recordTerminal appends the transfer's final outcome to the audit journal.
// A journal write failure is logged, not returned: the transition itself
// already committed and must not be undone on account of a side-journal
// problem.
func (sm *StateMachine) recordTerminal(transfer catalog.Transfer) {
	if sm.audit == nil {
		return
	}
	detail := transfer.RejectionReason
	if detail == "" && transfer.ScanResult != nil {
		if summary, ok := transfer.ScanResult["summary"].(string); ok {
			detail = summary
		}
	}
	completedAt := store.Now()
	if transfer.TransferCompletedAt != nil {
		completedAt = *transfer.TransferCompletedAt
	}
	err := sm.audit.Record(auditRecord(transfer, completedAt, detail))
	if err != nil {
		slog.Warn("statemachine: audit journal write failed",
			"transfer", transfer.Id, "status", transfer.Status, "error", err.Error())
	}
}

func auditRecord(transfer catalog.Transfer, completedAt time.Time, detail string) audit.Record {
	return audit.Record{
		TransferId:     transfer.Id,
		Reference:      transfer.Reference,
		ArtistId:       transfer.ArtistId,
		Status:         string(transfer.Status),
		StartedAt:      transfer.CreatedAt,
		CompletedAt:    completedAt,
		TotalFiles:     transfer.TotalFiles,
		TotalSizeBytes: transfer.TotalSizeBytes,
		Detail:         detail,
	}
}

type followUp struct {
	queue          string
	idempotencyKey string
	payload        map[string]any
}

// transition evaluates intent against transfer's current state, mutating
// the approval table as a side effect and returning the destination status,
// the notifications to persist, and the queue messages to enqueue after
// commit. transfer is not yet saved by the time this returns; the caller
// saves it once transition reports success.
func (sm *StateMachine) transition(tx *store.Tx, transfer *catalog.Transfer, intent Intent) (
	to catalog.TransferStatus, notifications []catalog.NewNotification, followUps []followUp, err error) {

	switch intent.Kind {
	case policy.IntentCancel:
		return sm.applyCancel(transfer, intent)
	case policy.IntentOverride:
		return sm.applyOverride(tx, transfer, intent)
	}

	dest, allowed, ok := policy.Lookup(transfer.Status, intent.Kind, intent.Actor.Role)
	if !ok {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "no such transition",
		}
	}
	if !allowed {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: fmt.Sprintf("role %q may not trigger this transition", intent.Actor.Role),
		}
	}

	switch intent.Kind {
	case policy.IntentSubmit:
		return sm.applySubmit(tx, transfer, intent, dest)
	case policy.IntentApprove:
		return sm.applyApprove(tx, transfer, intent, dest)
	case policy.IntentReject:
		return sm.applyReject(tx, transfer, intent, dest)
	case policy.IntentStartScan:
		notifications := sm.notifyRole(tx, transfer, auth.RoleDataTeam, catalog.NotifyScanStarted,
			"Scan started", fmt.Sprintf("Virus scan started for %s.", transfer.Reference))
		followUps = []followUp{{
			queue:          "scanning",
			idempotencyKey: fmt.Sprintf("scan:%d:start", transfer.Id),
			payload:        map[string]any{"transfer_id": transfer.Id},
		}}
		return dest, notifications, followUps, nil
	case policy.IntentCompleteScan:
		return sm.applyCompleteScan(tx, transfer, intent)
	case policy.IntentPrepare:
		transfer.ProductionPath = intent.ProductionPath
		return dest, nil, nil, nil
	case policy.IntentExecute:
		now := store.Now()
		transfer.TransferStartedAt = &now
		transfer.TransferMethod = intent.TransferMethod
		followUps = []followUp{{
			queue:          "transfer",
			idempotencyKey: fmt.Sprintf("copy:%d:execute", transfer.Id),
			payload:        map[string]any{"transfer_id": transfer.Id},
		}}
		return dest, nil, followUps, nil
	case policy.IntentCopyDone:
		followUps = []followUp{{
			queue:          "transfer",
			idempotencyKey: fmt.Sprintf("verify:%d:verify", transfer.Id),
			payload:        map[string]any{"transfer_id": transfer.Id},
		}}
		return dest, nil, followUps, nil
	case policy.IntentCopyError:
		return sm.applyCopyError(tx, transfer, intent, dest)
	case policy.IntentVerifyOK:
		return sm.applyVerifyOK(tx, transfer, intent, dest)
	case policy.IntentVerifyMismatch:
		return sm.applyVerifyMismatch(tx, transfer, intent, dest)
	default:
		return "", nil, nil, fmt.Errorf("statemachine: unhandled intent %q", intent.Kind)
	}
}

func (sm *StateMachine) applyCancel(transfer *catalog.Transfer, intent Intent) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	isOwner := intent.Actor.Id == transfer.ArtistId
	if !policy.CanCancel(transfer.Status, intent.Actor.Role, isOwner) {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "not cancellable by this actor in this state",
		}
	}
	return catalog.StatusCancelled, nil, nil, nil
}

func (sm *StateMachine) applyOverride(tx *store.Tx, transfer *catalog.Transfer, intent Intent) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	if !policy.CanOverride(intent.Actor.Role) {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "only admin may override",
		}
	}
	if strings.TrimSpace(intent.Reason) == "" {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "override requires a reason",
		}
	}
	chain, err := catalog.ApprovalChainTx(tx, transfer.Id)
	if err != nil {
		return "", nil, nil, err
	}
	for _, a := range chain {
		if a.Status == catalog.ApprovalPending {
			if err := catalog.DecideApprovalTx(tx, transfer.Id, a.RequiredRole,
				catalog.ApprovalSkipped, &intent.Actor.Id, intent.Reason); err != nil {
				return "", nil, nil, err
			}
		}
	}
	return intent.TargetStatus, nil, nil, nil
}

func (sm *StateMachine) applySubmit(tx *store.Tx, transfer *catalog.Transfer, intent Intent, dest catalog.TransferStatus) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	if transfer.ArtistId != intent.Actor.Id {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "only the owning artist may submit",
		}
	}
	files, err := catalog.FilesForTransferTx(tx, transfer.Id)
	if err != nil {
		return "", nil, nil, err
	}
	if len(files) == 0 {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "transfer has no files",
		}
	}
	notifications := sm.notifyRole(tx, transfer, auth.RoleTeamLead, catalog.NotifyApprovalRequired,
		"Approval required", fmt.Sprintf("%s is awaiting your approval.", transfer.Reference))
	return dest, notifications, nil, nil
}

func approvalRoleForStatus(status catalog.TransferStatus) (auth.Role, bool) {
	switch status {
	case catalog.StatusPendingTeamLead:
		return auth.RoleTeamLead, true
	case catalog.StatusPendingSupervisor:
		return auth.RoleSupervisor, true
	case catalog.StatusPendingLineProducer:
		return auth.RoleLineProducer, true
	default:
		return "", false
	}
}

func (sm *StateMachine) applyApprove(tx *store.Tx, transfer *catalog.Transfer, intent Intent, dest catalog.TransferStatus) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	role, ok := approvalRoleForStatus(transfer.Status)
	if !ok {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "current state has no approval stage",
		}
	}
	approval, err := catalog.ApprovalForRoleTx(tx, transfer.Id, role)
	if err != nil {
		return "", nil, nil, err
	}
	if approval.Status != catalog.ApprovalPending {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "approval already decided",
		}
	}
	if err := catalog.DecideApprovalTx(tx, transfer.Id, role, catalog.ApprovalApproved,
		&intent.Actor.Id, intent.Comment); err != nil {
		return "", nil, nil, err
	}

	// approve-at-TL notifies active supervisors; approve-at-supervisor
	// notifies active line producers; approve-at-LP (-> approved) has no
	// next human stage to notify.
	var next auth.Role
	switch role {
	case auth.RoleTeamLead:
		next = auth.RoleSupervisor
	case auth.RoleSupervisor:
		next = auth.RoleLineProducer
	}
	var notifications []catalog.NewNotification
	if next != "" {
		notifications = sm.notifyRole(tx, transfer, next, catalog.NotifyApprovalRequired,
			"Approval required", fmt.Sprintf("%s is awaiting your approval.", transfer.Reference))
	}
	return dest, notifications, nil, nil
}

func (sm *StateMachine) applyReject(tx *store.Tx, transfer *catalog.Transfer, intent Intent, dest catalog.TransferStatus) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	if len(strings.TrimSpace(intent.Reason)) < 10 {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "rejection reason must be at least 10 characters",
		}
	}
	role, ok := approvalRoleForStatus(transfer.Status)
	if !ok {
		return "", nil, nil, &PreconditionFailedError{
			TransferId: transfer.Id, Status: transfer.Status, Intent: intent.Kind,
			Detail: "current state has no approval stage",
		}
	}
	if err := catalog.DecideApprovalTx(tx, transfer.Id, role, catalog.ApprovalRejected,
		&intent.Actor.Id, intent.Reason); err != nil {
		return "", nil, nil, err
	}
	transfer.RejectionReason = intent.Reason

	// reject notifies the artist plus every approver who already decided.
	notifications := []catalog.NewNotification{sm.notifyUser(transfer.ArtistId, transfer,
		catalog.NotifyRejected, "Transfer rejected", fmt.Sprintf("%s was rejected: %s", transfer.Reference, intent.Reason))}
	chain, err := catalog.ApprovalChainTx(tx, transfer.Id)
	if err != nil {
		return "", nil, nil, err
	}
	for _, a := range chain {
		if a.ApproverId != nil && *a.ApproverId != intent.Actor.Id {
			notifications = append(notifications, sm.notifyUser(*a.ApproverId, transfer,
				catalog.NotifyRejected, "Transfer rejected",
				fmt.Sprintf("%s was rejected at a later stage: %s", transfer.Reference, intent.Reason)))
		}
	}
	return dest, notifications, nil, nil
}

func (sm *StateMachine) applyCompleteScan(tx *store.Tx, transfer *catalog.Transfer, intent Intent) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	dest := policy.ScanOutcome(intent.AllFilesClean)
	transfer.ScanResult = intent.ScanSummary
	passed := intent.AllFilesClean
	transfer.ScanPassed = &passed

	decision := catalog.ApprovalApproved
	if !passed {
		decision = catalog.ApprovalRejected
	}
	if err := catalog.DecideApprovalTx(tx, transfer.Id, auth.RoleDataTeam, decision, nil, ""); err != nil {
		return "", nil, nil, err
	}

	var notifications []catalog.NewNotification
	var followUps []followUp
	if passed {
		notifications = sm.notifyRole(tx, transfer, auth.RoleDataTeam, catalog.NotifyScanComplete,
			"Scan passed", fmt.Sprintf("%s passed virus scan and checksum verification.", transfer.Reference))
		followUps = []followUp{{
			queue:          "transfer",
			idempotencyKey: fmt.Sprintf("copy:%d:prepare", transfer.Id),
			payload:        map[string]any{"transfer_id": transfer.Id},
		}}
	} else {
		notifications = append(notifications,
			sm.notifyRole(tx, transfer, auth.RoleDataTeam, catalog.NotifyScanFailed,
				"Scan failed", fmt.Sprintf("%s failed virus scan or checksum verification.", transfer.Reference))...)
	}
	return dest, notifications, followUps, nil
}

func (sm *StateMachine) applyCopyError(tx *store.Tx, transfer *catalog.Transfer, intent Intent, dest catalog.TransferStatus) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	notifications := sm.notifyRole(tx, transfer, auth.RoleITTeam, catalog.NotifyTransferFailed,
		"Transfer failed", fmt.Sprintf("%s failed during copy: %s", transfer.Reference, intent.StderrTail))
	return dest, notifications, nil, nil
}

func (sm *StateMachine) applyVerifyOK(tx *store.Tx, transfer *catalog.Transfer, intent Intent, dest catalog.TransferStatus) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	verified := true
	transfer.TransferVerified = &verified
	now := store.Now()
	transfer.TransferCompletedAt = &now

	if err := catalog.DecideApprovalTx(tx, transfer.Id, auth.RoleITTeam, catalog.ApprovalApproved, nil, ""); err != nil {
		return "", nil, nil, err
	}

	seen := map[int64]bool{}
	notifications := []catalog.NewNotification{sm.notifyUser(transfer.ArtistId, transfer,
		catalog.NotifyTransferComplete, "Transfer complete", fmt.Sprintf("%s has been delivered.", transfer.Reference))}
	seen[transfer.ArtistId] = true

	chain, err := catalog.ApprovalChainTx(tx, transfer.Id)
	if err != nil {
		return "", nil, nil, err
	}
	for _, a := range chain {
		if a.ApproverId != nil && !seen[*a.ApproverId] {
			seen[*a.ApproverId] = true
			notifications = append(notifications, sm.notifyUser(*a.ApproverId, transfer,
				catalog.NotifyTransferComplete, "Transfer complete", fmt.Sprintf("%s has been delivered.", transfer.Reference)))
		}
	}
	notifications = append(notifications, sm.notifyRole(tx, transfer, auth.RoleDataTeam,
		catalog.NotifyTransferComplete, "Transfer complete", fmt.Sprintf("%s has been delivered.", transfer.Reference))...)
	notifications = append(notifications, sm.notifyRole(tx, transfer, auth.RoleITTeam,
		catalog.NotifyTransferComplete, "Transfer complete", fmt.Sprintf("%s has been delivered.", transfer.Reference))...)

	followUps := []followUp{{
		queue:          "notifications",
		idempotencyKey: fmt.Sprintf("shotgrid:%d:complete", transfer.Id),
		payload:        map[string]any{"transfer_id": transfer.Id},
	}}
	return dest, notifications, followUps, nil
}

func (sm *StateMachine) applyVerifyMismatch(tx *store.Tx, transfer *catalog.Transfer, intent Intent, dest catalog.TransferStatus) (
	catalog.TransferStatus, []catalog.NewNotification, []followUp, error) {
	verified := false
	transfer.TransferVerified = &verified

	if err := catalog.DecideApprovalTx(tx, transfer.Id, auth.RoleITTeam, catalog.ApprovalRejected, nil, ""); err != nil {
		return "", nil, nil, err
	}

	mismatched := intent.MismatchedFiles
	if len(mismatched) > 5 {
		mismatched = mismatched[:5]
	}
	detail := fmt.Sprintf("%s failed post-copy verification: %s", transfer.Reference, strings.Join(mismatched, ", "))

	notifications := sm.notifyRole(tx, transfer, auth.RoleDataTeam, catalog.NotifyTransferFailed, "Transfer failed", detail)
	notifications = append(notifications, sm.notifyRole(tx, transfer, auth.RoleITTeam,
		catalog.NotifyTransferFailed, "Transfer failed", detail)...)
	return dest, notifications, nil, nil
}

func (sm *StateMachine) notifyUser(userId int64, transfer *catalog.Transfer, typ catalog.NotificationType, title, message string) catalog.NewNotification {
	tid := transfer.Id
	return catalog.NewNotification{UserId: userId, TransferId: &tid, Type: typ, Title: title, Message: message}
}

// notifyRole resolves every active user with role to a notification. Errors
// resolving the recipient list are swallowed (logged by the caller's
// transaction failing loudly would be too strong a response to a transient
// lookup problem) — callers that need stricter guarantees fall back to
// notifyUser for a known single recipient.
func (sm *StateMachine) notifyRole(tx *store.Tx, transfer *catalog.Transfer, role auth.Role, typ catalog.NotificationType, title, message string) []catalog.NewNotification {
	users, err := catalog.ActiveUsersWithRoleTx(tx, role)
	if err != nil {
		return nil
	}
	notifications := make([]catalog.NewNotification, 0, len(users))
	for _, u := range users {
		notifications = append(notifications, sm.notifyUser(u.Id, transfer, typ, title, message))
	}
	return notifications
}
