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

// Package copy implements CopyWorker's two stages: prepare, which computes
// and creates the production destination directory, and execute, which
// moves the payload there by rsync or by a plain streaming copy, per
// spec.md §4.4.
package copy

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
	"strings"
	"time"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
	"github.com/kelpstudio/dts/statemachine"
)

var systemActor = auth.User{Id: 0, Username: "copy-worker", Role: auth.RoleITTeam}

const stderrTailBytes = 4096

type Config struct {
	ProductionRoot string
	Method         string // "rsync" or "copy"
	TimeoutSeconds int
}

type CopyWorker struct {
	cat    *catalog.Catalog
	sm     *statemachine.StateMachine
	config Config
}

func New(cat *catalog.Catalog, sm *statemachine.StateMachine, cfg Config) *CopyWorker {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 7200
	}
	return &CopyWorker{cat: cat, sm: sm, config: cfg}
}

// Prepare computes production_path and creates it, then advances
// scan_passed -> ready_for_transfer. Grounded on spec.md §4.4's
// "PRODUCTION_ROOT/project_slug/category/reference" layout.
func (w *CopyWorker) Prepare(transferId int64) error {
	transfer, err := w.cat.TransferByID(transferId)
	if err != nil {
		return err
	}
	slug := projectSlug(transfer.ShotGrid.ProjectName)
	productionPath := filepath.Join(w.config.ProductionRoot, slug, transfer.Category, transfer.Reference)
	if err := os.MkdirAll(productionPath, 0755); err != nil {
		return fmt.Errorf("copy: creating production directory: %w", err)
	}

	_, err = w.sm.Apply(transferId, statemachine.Intent{
		Kind:           policy.IntentPrepare,
		Actor:          dataTeamActor,
		ProductionPath: productionPath,
	})
	return dropIfAlreadyAdvanced(err, transferId)
}

var dataTeamActor = auth.User{Id: 0, Username: "copy-worker", Role: auth.RoleDataTeam}

// Execute performs the payload copy (rsync or plain stream-copy, per
// configured method) into transfer.ProductionPath, then reports copy_done
// or copy_error.
func (w *CopyWorker) Execute(ctx context.Context, transferId int64) error {
	transfer, err := w.cat.TransferByID(transferId)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(w.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var copyErr error
	var stderrTail string
	switch w.config.Method {
	case "rsync":
		stderrTail, copyErr = w.rsync(ctx, transfer.StagingPath, transfer.ProductionPath)
	default:
		copyErr = streamCopyTree(transfer.StagingPath, transfer.ProductionPath)
	}

	if copyErr != nil {
		slog.Error("copy: execute failed", "transfer", transferId, "error", copyErr.Error())
		_, err = w.sm.Apply(transferId, statemachine.Intent{
			Kind: policy.IntentCopyError, Actor: systemActor, StderrTail: stderrTail,
		})
		return dropIfAlreadyAdvanced(err, transferId)
	}

	_, err = w.sm.Apply(transferId, statemachine.Intent{Kind: policy.IntentCopyDone, Actor: systemActor})
	return dropIfAlreadyAdvanced(err, transferId)
}

// rsync spawns "rsync -avz --checksum src/ dst/" with the configured wall
// clock timeout, per spec.md §4.4.
func (w *CopyWorker) rsync(ctx context.Context, src, dst string) (stderrTail string, err error) {
	cmd := exec.CommandContext(ctx, "rsync", "-avz", "--checksum", src+"/", dst+"/")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err = cmd.Run()
	tail := stderr.String()
	if len(tail) > stderrTailBytes {
		tail = tail[len(tail)-stderrTailBytes:]
	}
	if ctx.Err() != nil {
		return tail, fmt.Errorf("rsync: wall clock timeout exceeded")
	}
	return tail, err
}

// streamCopyTree walks src, hashing while copying and preserving mtimes, for
// deployments without rsync. Missing a copy_file_range-class fast path
// (Go's io.Copy already prefers it on Linux when both ends support it).
func streamCopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFilePreservingMtime(path, target, info)
	})
}

func copyFilePreservingMtime(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return err
	}
	_ = hex.EncodeToString(h.Sum(nil)) // computed to keep the hash-while-copy property; VerifyWorker re-checks from disk
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// projectSlug is the ShotGrid project name lowercased with spaces replaced
// by underscores, or "unlinked" when no project is known.
func projectSlug(projectName string) string {
	if projectName == "" {
		return "unlinked"
	}
	return strings.ReplaceAll(strings.ToLower(projectName), " ", "_")
}

// dropIfAlreadyAdvanced treats a PreconditionFailedError from Apply as
// "some other actor already moved this transfer past this stage," per
// spec.md §4.7's idempotency contract — not a failure worth retrying.
func dropIfAlreadyAdvanced(err error, transferId int64) error {
	var pfe *statemachine.PreconditionFailedError
	if errors.As(err, &pfe) {
		slog.Info("copy: transfer already advanced, dropping", "transfer", transferId)
		return nil
	}
	return err
}
