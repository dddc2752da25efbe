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

// Package scan implements ScanWorker: for every file in a transfer entering
// "scanning", it runs a virus scan and re-verifies the upload checksum, then
// reports the aggregate outcome back through StateMachine.Apply. Per-file
// work fans out through a deliveryhero/pipeline/v2 stage, the same
// Processor/ProcessConcurrently idiom the teacher used to move files between
// transfer stages in transfers/stages.go.
package scan

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/deliveryhero/pipeline/v2"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
	"github.com/kelpstudio/dts/queue"
	"github.com/kelpstudio/dts/statemachine"
)

// systemActor is the pseudo-user ScanWorker presents to StateMachine.Apply.
// The transition table only ever checks role, so a worker acting as
// data_team is indistinguishable from a human data_team member triggering
// the same intent through the request surface.
var systemActor = auth.User{Id: 0, Username: "scan-worker", Role: auth.RoleDataTeam}

const chunkSize = 1 << 20 // 1 MiB, per spec.md §4.3

// Config is the subset of config.Scanner that ScanWorker needs, kept
// separate so tests can construct one without touching package config.
type Config struct {
	Enabled        bool
	BinaryPath     string
	TimeoutSeconds int
}

type ScanWorker struct {
	cat    *catalog.Catalog
	sm     *statemachine.StateMachine
	config Config
}

func New(cat *catalog.Catalog, sm *statemachine.StateMachine, cfg Config) *ScanWorker {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	return &ScanWorker{cat: cat, sm: sm, config: cfg}
}

// Handler adapts ScanWorker to queue.Handler, for registration against the
// "scanning" queue.
func (w *ScanWorker) Handler() queue.Handler {
	return func(msg queue.Message) error {
		transferId, ok := msg.Payload["transfer_id"].(int64)
		if !ok {
			return fmt.Errorf("scan: malformed payload, missing transfer_id")
		}
		return w.Run(context.Background(), transferId)
	}
}

type fileOutcome struct {
	file             catalog.TransferFile
	scanStatus       catalog.VirusScanStatus
	scanDetail       string
	checksumVerified bool
}

// Run scans every file belonging to transferId and reports the aggregate
// result to StateMachine. A PreconditionFailedError from Apply means some
// other actor already moved the transfer past scanning (e.g. an admin
// override); per spec.md §4.7 that is treated as an already-handled no-op,
// not a failure.
func (w *ScanWorker) Run(ctx context.Context, transferId int64) error {
	transfer, err := w.cat.TransferByID(transferId)
	if err != nil {
		return err
	}
	files, err := w.cat.FilesForTransfer(transferId)
	if err != nil {
		return err
	}

	stage := pipeline.NewProcessor(w.scanOneFile(transfer.StagingPath), func(catalog.TransferFile, error) {})

	in := make(chan catalog.TransferFile)
	go func() {
		defer close(in)
		for _, f := range files {
			in <- f
		}
	}()

	counts := map[string]int{}
	allClean := true
	for outcome := range pipeline.ProcessConcurrently(ctx, 4, stage, in) {
		if err := w.cat.SetFileScanResult(outcome.file.Id, outcome.scanStatus, outcome.scanDetail); err != nil {
			return err
		}
		if err := w.cat.SetFileChecksumVerified(outcome.file.Id, outcome.checksumVerified); err != nil {
			return err
		}
		counts[string(outcome.scanStatus)]++
		if outcome.checksumVerified {
			counts["verified"]++
		} else {
			counts["failed"]++
		}
		if outcome.scanStatus != catalog.ScanClean || !outcome.checksumVerified {
			allClean = false
		}
	}
	if len(files) == 0 {
		allClean = false
		counts["missing"] = 1
	}

	_, err = w.sm.Apply(transferId, statemachine.Intent{
		Kind:          policy.IntentCompleteScan,
		Actor:         systemActor,
		AllFilesClean: allClean,
		ScanSummary:   countsToSummary(counts),
	})
	var pfe *statemachine.PreconditionFailedError
	if errors.As(err, &pfe) {
		slog.Info("scan: transfer already advanced past scanning, dropping", "transfer", transferId)
		return nil
	}
	return err
}

func countsToSummary(counts map[string]int) map[string]any {
	summary := make(map[string]any, len(counts))
	for k, v := range counts {
		summary[k] = int64(v)
	}
	return summary
}

func (w *ScanWorker) scanOneFile(stagingPath string) func(ctx context.Context, f catalog.TransferFile) (fileOutcome, error) {
	return func(ctx context.Context, f catalog.TransferFile) (fileOutcome, error) {
		path := filepath.Join(stagingPath, f.Filename)
		status, detail := w.virusScan(ctx, path)
		verified := w.checksumVerify(path, f.ChecksumSHA256)
		return fileOutcome{file: f, scanStatus: status, scanDetail: detail, checksumVerified: verified}, nil
	}
}

// virusScan invokes the configured scanner binary. Exit 0 is clean, exit 1
// is infected (first line of stdout recorded), anything else (including a
// context deadline) is an error. A disabled or missing scanner is a
// documented degraded mode, not a failure.
func (w *ScanWorker) virusScan(ctx context.Context, path string) (catalog.VirusScanStatus, string) {
	if !w.config.Enabled || w.config.BinaryPath == "" {
		return catalog.ScanClean, "scan skipped"
	}

	scanCtx, cancel := context.WithTimeout(ctx, time.Duration(w.config.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(scanCtx, w.config.BinaryPath, path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()

	if scanCtx.Err() != nil {
		return catalog.ScanError, "scan timed out"
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return catalog.ScanClean, ""
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		return catalog.ScanInfected, firstLine(stdout.String())
	default:
		return catalog.ScanError, err.Error()
	}
}

func (w *ScanWorker) checksumVerify(path, want string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == want
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
