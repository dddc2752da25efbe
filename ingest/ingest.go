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

// Package ingest streams a single uploaded file to staging disk, hashing it
// in the same pass, per spec.md §4.8. It is not part of the state machine:
// uploads land files and TransferFile rows but never themselves advance
// Transfer.Status (submission is a separate, explicit statemachine.Intent).
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
)

const chunkSize = 1 << 20

// PreconditionError reports a violated upload precondition: wrong transfer
// status or wrong actor. Distinct from catalog's typed errors so the HTTP
// layer can map it to 400 rather than 404/409.
type PreconditionError struct {
	Detail string
}

func (e *PreconditionError) Error() string { return "ingest: " + e.Detail }

// TooLargeError reports that accepting this upload would push the transfer's
// cumulative size over config.Service.MaxUploadSize.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("ingest: upload exceeds cumulative size cap of %d bytes", e.Limit)
}

// Ingestor lands uploaded files on staging disk and records them in the
// catalog. MaxUploadSize is the cumulative cap spec.md §4.8 names; 0 means
// unlimited (tests only — config.Init always sets a positive default).
type Ingestor struct {
	cat           *catalog.Catalog
	maxUploadSize int64
}

func New(cat *catalog.Catalog, maxUploadSize int64) *Ingestor {
	return &Ingestor{cat: cat, maxUploadSize: maxUploadSize}
}

// Upload streams r (the multipart part's body) to staging disk under a
// sanitized, collision-free name, computes its SHA-256 alongside the copy,
// and inserts the resulting TransferFile row. originalFilename is the
// filename the client supplied; sizeHint, if nonzero (e.g. from a
// Content-Length on the part), lets Upload reject an oversized upload before
// it starts writing rather than after.
func (ig *Ingestor) Upload(actor auth.User, transferId int64, originalFilename string, sizeHint int64, r io.Reader) (catalog.TransferFile, error) {
	transfer, err := ig.cat.TransferByID(transferId)
	if err != nil {
		return catalog.TransferFile{}, err
	}

	if err := checkPreconditions(transfer, actor); err != nil {
		return catalog.TransferFile{}, err
	}

	if ig.maxUploadSize > 0 && sizeHint > 0 && transfer.TotalSizeBytes+sizeHint > ig.maxUploadSize {
		return catalog.TransferFile{}, &TooLargeError{Limit: ig.maxUploadSize}
	}

	target, err := uniqueDestination(transfer.StagingPath, originalFilename)
	if err != nil {
		return catalog.TransferFile{}, err
	}

	written, checksum, err := streamToDisk(target, r, ig.maxUploadSize-transfer.TotalSizeBytes, ig.maxUploadSize > 0)
	if err != nil {
		os.Remove(target)
		if tooLarge, ok := err.(*TooLargeError); ok {
			tooLarge.Limit = ig.maxUploadSize
		}
		return catalog.TransferFile{}, err
	}

	return ig.cat.InsertFile(catalog.NewFile{
		TransferId:     transferId,
		Filename:       filepath.Base(target),
		OriginalPath:   originalFilename,
		SizeBytes:      written,
		ChecksumSHA256: checksum,
	})
}

func checkPreconditions(transfer catalog.Transfer, actor auth.User) error {
	switch transfer.Status {
	case catalog.StatusUploaded, catalog.StatusRejected:
	default:
		return &PreconditionError{Detail: fmt.Sprintf("transfer %s is not accepting uploads in status %q", transfer.Reference, transfer.Status)}
	}
	if actor.Role != auth.RoleAdmin && actor.Id != transfer.ArtistId {
		return &PreconditionError{Detail: "only the owning artist or an admin may upload to this transfer"}
	}
	return nil
}

// uniqueDestination picks staging_path/sanitized_filename, appending "_N"
// before the extension on collision, per spec.md §4.8.
func uniqueDestination(stagingPath, originalFilename string) (string, error) {
	sanitized := catalog.SanitizeFilename(originalFilename)
	ext := filepath.Ext(sanitized)
	base := strings.TrimSuffix(sanitized, ext)

	if err := os.MkdirAll(stagingPath, 0755); err != nil {
		return "", fmt.Errorf("ingest: creating staging directory: %w", err)
	}

	candidate := filepath.Join(stagingPath, sanitized)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
		candidate = filepath.Join(stagingPath, fmt.Sprintf("%s_%d%s", base, n, ext))
	}
}

// streamToDisk copies r to path while hashing, enforcing budget bytes of
// remaining cumulative allowance when enforce is true.
func streamToDisk(path string, r io.Reader, budget int64, enforce bool) (int64, string, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	h := sha256.New()
	src := r
	if enforce {
		if budget < 0 {
			budget = 0
		}
		src = io.LimitReader(r, budget+1)
	}

	written, err := io.CopyBuffer(io.MultiWriter(out, h), src, make([]byte, chunkSize))
	if err != nil {
		return 0, "", err
	}
	if enforce && written > budget {
		return 0, "", &TooLargeError{Limit: budget}
	}
	return written, hex.EncodeToString(h.Sum(nil)), nil
}
