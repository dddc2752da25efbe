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

// Package verify implements VerifyWorker: post-copy SHA-256 re-hash of every
// file at production_path against the checksum recorded at upload, per
// spec.md §4.5.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
	"github.com/kelpstudio/dts/statemachine"
)

var systemActor = auth.User{Id: 0, Username: "verify-worker", Role: auth.RoleITTeam}

const chunkSize = 1 << 20

type VerifyWorker struct {
	cat *catalog.Catalog
	sm  *statemachine.StateMachine
}

func New(cat *catalog.Catalog, sm *statemachine.StateMachine) *VerifyWorker {
	return &VerifyWorker{cat: cat, sm: sm}
}

// Run re-hashes every file of transferId at its production path and reports
// verify_ok or verify_mismatch.
func (w *VerifyWorker) Run(ctx context.Context, transferId int64) error {
	transfer, err := w.cat.TransferByID(transferId)
	if err != nil {
		return err
	}
	files, err := w.cat.FilesForTransfer(transferId)
	if err != nil {
		return err
	}

	var mismatched []string
	for _, f := range files {
		ok := verifyFile(filepath.Join(transfer.ProductionPath, f.Filename), f.ChecksumSHA256)
		if err := w.cat.SetFileChecksumVerified(f.Id, ok); err != nil {
			return err
		}
		if !ok {
			mismatched = append(mismatched, f.Filename)
		}
	}

	if len(mismatched) == 0 {
		_, err = w.sm.Apply(transferId, statemachine.Intent{Kind: policy.IntentVerifyOK, Actor: systemActor})
	} else {
		_, err = w.sm.Apply(transferId, statemachine.Intent{
			Kind: policy.IntentVerifyMismatch, Actor: systemActor, MismatchedFiles: mismatched,
		})
	}

	var pfe *statemachine.PreconditionFailedError
	if errors.As(err, &pfe) {
		slog.Info("verify: transfer already advanced, dropping", "transfer", transferId)
		return nil
	}
	return err
}

func verifyFile(path, want string) bool {
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
