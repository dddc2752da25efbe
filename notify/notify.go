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

// Package notify implements the "notifications" queue's single handler:
// Fanout. It carries two unrelated message kinds (an already-persisted
// notification row awaiting email delivery, and a transfer's post-verify
// ShotGrid completion callback), told apart by idempotency-key prefix the
// way workers.TransferDispatcher tells apart copy/verify messages sharing
// the "transfer" queue.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelpstudio/dts/audit"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/frictionless"
	"github.com/kelpstudio/dts/queue"
	"github.com/kelpstudio/dts/shotgrid"
)

// Config is the subset of config.SMTP Fanout needs. A zero-value Config
// (empty Host) disables mail: every notification is left with
// email_sent=false, matching the documented degraded mode.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c Config) enabled() bool { return c.Host != "" }

// Fanout is the "notifications" queue's handler.
type Fanout struct {
	cat      *catalog.Catalog
	config   Config
	shotgrid shotgrid.Client
	audit    *audit.Journal
}

func New(cat *catalog.Catalog, cfg Config, sg shotgrid.Client, journal *audit.Journal) *Fanout {
	return &Fanout{cat: cat, config: cfg, shotgrid: sg, audit: journal}
}

func (f *Fanout) Handler() queue.Handler {
	return func(msg queue.Message) error {
		switch {
		case strings.HasPrefix(msg.IdempotencyKey, "notify:"):
			id, ok := msg.Payload["notification_id"].(int64)
			if !ok {
				return fmt.Errorf("notify: malformed payload, missing notification_id")
			}
			return f.sendEmail(id)
		case strings.HasPrefix(msg.IdempotencyKey, "shotgrid:"):
			transferId, ok := msg.Payload["transfer_id"].(int64)
			if !ok {
				return fmt.Errorf("notify: malformed payload, missing transfer_id")
			}
			return f.completeShotGrid(transferId)
		default:
			return fmt.Errorf("notify: unrecognized idempotency key %q", msg.IdempotencyKey)
		}
	}
}

// sendEmail delivers one already-persisted notification row by mail and
// records the outcome. A missing address or an unreachable relay is a
// logged, swallowed failure — the notification itself is never lost, only
// its email_sent flag stays false.
func (f *Fanout) sendEmail(notificationId int64) error {
	n, err := f.cat.NotificationByID(notificationId)
	if err != nil {
		return err
	}
	if !f.config.enabled() {
		return f.cat.MarkNotificationEmailSent(notificationId, false)
	}

	user, err := f.cat.UserByID(n.UserId)
	if err != nil {
		return err
	}
	if user.Email == "" {
		slog.Warn("notify: recipient has no email address on file", "user", user.Username)
		return f.cat.MarkNotificationEmailSent(notificationId, false)
	}

	if err := f.send(user.Email, n.Title, n.Message); err != nil {
		slog.Warn("notify: delivery failed", "notification", notificationId, "error", err.Error())
		return f.cat.MarkNotificationEmailSent(notificationId, false)
	}
	return f.cat.MarkNotificationEmailSent(notificationId, true)
}

func (f *Fanout) send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", f.config.Host, f.config.Port)
	var auth smtp.Auth
	if f.config.Username != "" {
		auth = smtp.PlainAuth("", f.config.Username, f.config.Password, f.config.Host)
	}
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		f.config.From, to, subject, body))
	return smtp.SendMail(addr, auth, f.config.From, []string{to}, msg)
}

// completeShotGrid runs once per transfer, after VerifyWorker reports
// verify_ok: it updates the linked ShotGrid entity's status, writes a
// Frictionless manifest alongside the delivered files, and records a
// Version and a Note on the entity. A transfer with no linked ShotGrid
// entity is skipped entirely, so no manifest is written for it. Only a
// failure to load the transfer is returned; every later failure is logged
// and swallowed — the transfer itself is already "transferred" and must not
// roll back on account of a ShotGrid outage.
func (f *Fanout) completeShotGrid(transferId int64) error {
	transfer, err := f.cat.TransferByID(transferId)
	if err != nil {
		return err
	}
	if transfer.ShotGrid.EntityType == "" {
		slog.Info("notify: transfer has no linked shotgrid entity, skipping completion", "transfer", transferId)
		return nil
	}

	if err := f.shotgrid.UpdateEntityStatus(transfer.ShotGrid.EntityType, transfer.ShotGrid.EntityId, "dlvr"); err != nil {
		slog.Warn("shotgrid: entity status update failed", "transfer", transferId, "error", err.Error())
	}

	if err := f.writeManifest(transfer); err != nil {
		slog.Warn("notify: writing delivery manifest failed", "transfer", transferId, "error", err.Error())
	}

	version := shotgrid.Version{
		Code:        transfer.Reference,
		Description: fmt.Sprintf("%s delivered to %s", transfer.Reference, transfer.ProductionPath),
		Path:        transfer.ProductionPath,
	}
	if err := f.shotgrid.CreateVersion(transfer.ShotGrid.EntityType, transfer.ShotGrid.EntityId, version); err != nil {
		slog.Warn("shotgrid: version creation failed", "transfer", transferId, "error", err.Error())
	}

	note := fmt.Sprintf("%d files (%d bytes) delivered to %s.",
		transfer.TotalFiles, transfer.TotalSizeBytes, transfer.ProductionPath)
	if err := f.shotgrid.CreateNote(transfer.ShotGrid.EntityType, transfer.ShotGrid.EntityId,
		fmt.Sprintf("%s delivered", transfer.Reference), note); err != nil {
		slog.Warn("shotgrid: note creation failed", "transfer", transferId, "error", err.Error())
	}

	return nil
}

func (f *Fanout) writeManifest(transfer catalog.Transfer) error {
	files, err := f.cat.FilesForTransfer(transfer.Id)
	if err != nil {
		return err
	}
	resources := make([]frictionless.DataResource, 0, len(files))
	for _, file := range files {
		resources = append(resources, frictionless.NewDataResource(
			file.Filename, file.Filename, strings.TrimPrefix(filepath.Ext(file.Filename), "."),
			int(file.SizeBytes), file.ChecksumSHA256))
	}
	manifest := frictionless.NewDataPackage(transfer.Reference,
		fmt.Sprintf("Delivery manifest for %s", transfer.Reference), resources)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(transfer.ProductionPath, "manifest.json"), data, 0644); err != nil {
		return err
	}

	// the audit journal keeps its own copy of the manifest alongside the
	// terminal Record statemachine.Apply already wrote for this transfer, the
	// same pairing the teacher's journal makes between a succeeded Record and
	// its Frictionless package.
	if f.audit != nil {
		if err := f.audit.RecordManifest(transfer.Reference, data); err != nil {
			slog.Warn("notify: recording manifest in audit journal failed",
				"transfer", transfer.Id, "error", err.Error())
		}
	}
	return nil
}
