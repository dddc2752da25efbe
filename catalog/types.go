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

// Package catalog provides typed accessors for the entities the data-delivery
// pipeline persists: users, transfers, files, approvals, history, and
// notifications. It is the only package (besides store itself) that issues
// SQL; everything above it (policy, statemachine, approvals, workers,
// httpapi) works in terms of these Go types.
package catalog

import (
	"time"

	"github.com/kelpstudio/dts/auth"
)

// TransferStatus is the closed set of states a Transfer can occupy. See
// package statemachine for the transition table between them.
type TransferStatus string

const (
	StatusUploaded             TransferStatus = "uploaded"
	StatusPendingTeamLead      TransferStatus = "pending_team_lead"
	StatusPendingSupervisor    TransferStatus = "pending_supervisor"
	StatusPendingLineProducer  TransferStatus = "pending_line_producer"
	StatusApproved             TransferStatus = "approved"
	StatusScanning             TransferStatus = "scanning"
	StatusScanPassed           TransferStatus = "scan_passed"
	StatusReadyForTransfer     TransferStatus = "ready_for_transfer"
	StatusTransferring         TransferStatus = "transferring"
	StatusVerifying            TransferStatus = "verifying"
	StatusTransferred          TransferStatus = "transferred"
	StatusRejected             TransferStatus = "rejected"
	StatusCancelled            TransferStatus = "cancelled"
	StatusScanFailed           TransferStatus = "scan_failed" // terminal error bucket; see §9 open question
)

// ApprovalStatus is the state of a single row in a transfer's approval chain.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalSkipped  ApprovalStatus = "skipped"
)

// VirusScanStatus is the per-file outcome of ScanWorker's virus-scan pass.
type VirusScanStatus string

const (
	ScanPending  VirusScanStatus = "pending"
	ScanClean    VirusScanStatus = "clean"
	ScanInfected VirusScanStatus = "infected"
	ScanError    VirusScanStatus = "error"
)

// NotificationType enumerates the kinds of events NotificationFanout records.
type NotificationType string

const (
	NotifyUpload           NotificationType = "upload"
	NotifyApprovalRequired NotificationType = "approval_required"
	NotifyApproved         NotificationType = "approved"
	NotifyRejected         NotificationType = "rejected"
	NotifyScanStarted      NotificationType = "scan_started"
	NotifyScanComplete     NotificationType = "scan_complete"
	NotifyScanFailed       NotificationType = "scan_failed"
	NotifyTransferStarted  NotificationType = "transfer_started"
	NotifyTransferComplete NotificationType = "transfer_complete"
	NotifyTransferFailed   NotificationType = "transfer_failed"
	NotifySystem           NotificationType = "system"
)

// ShotGridLink records the (optional) ShotGrid entity a Transfer delivers
// against. Supplements spec.md's "shotgrid linkage fields," grounded on
// original_source's app/models/project.py.
type ShotGridLink struct {
	ProjectId   int64
	ProjectName string
	EntityType  string
	EntityId    int64
}

// Transfer is the aggregate root of the data model: a package of files
// moving from staging to production under an approval chain.
type Transfer struct {
	Id                  int64
	Reference           string // "TRF-00001"
	Name                string
	Category            string
	Status              TransferStatus
	Priority            string
	ArtistId            int64
	StagingPath         string
	ProductionPath      string // non-empty iff status is at/after prepare
	TotalFiles          int
	TotalSizeBytes       int64
	ScanResult          map[string]any // opaque summary; see ScanWorker
	ScanPassed          *bool
	TransferVerified    *bool
	TransferMethod      string
	TransferStartedAt   *time.Time
	TransferCompletedAt *time.Time
	RejectionReason     string
	Tags                []string
	ShotGrid            ShotGridLink
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TransferFile is one uploaded file belonging to a Transfer.
type TransferFile struct {
	Id                int64
	TransferId        int64
	Filename          string
	OriginalPath      string
	SizeBytes         int64
	ChecksumSHA256     string
	ChecksumVerified  *bool
	VirusScanStatus   VirusScanStatus
	VirusScanDetail   string
	UploadedAt        time.Time
}

// Approval is one row of a transfer's five-row approval chain, keyed by
// (transfer_id, required_role).
type Approval struct {
	Id           int64
	TransferId   int64
	RequiredRole auth.Role
	ApproverId   *int64
	Status       ApprovalStatus
	Comment      string
	DecidedAt    *time.Time
	CreatedAt    time.Time
}

// TransferHistory is one append-only audit row. Never mutated or deleted.
type TransferHistory struct {
	Id          int64
	TransferId  int64
	UserId      *int64
	Action      string
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Notification is one entry in a user's notification feed.
type Notification struct {
	Id         int64
	UserId     int64
	TransferId *int64
	Type       NotificationType
	Title      string
	Message    string
	IsRead     bool
	EmailSent  bool
	CreatedAt  time.Time
}

// the canonical order of human-driven approval stages, first to last
var HumanApprovalRoles = []auth.Role{auth.RoleTeamLead, auth.RoleSupervisor, auth.RoleLineProducer}

// the canonical order of worker-driven approval stages, first to last
var WorkerApprovalRoles = []auth.Role{auth.RoleDataTeam, auth.RoleITTeam}

// the full, canonical five-row approval chain in creation order
var AllApprovalRoles = append(append([]auth.Role{}, HumanApprovalRoles...), WorkerApprovalRoles...)
