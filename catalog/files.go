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

package catalog

import (
	"zombiezen.com/go/sqlite"

	"github.com/kelpstudio/dts/store"
)

// NewFile describes a single uploaded file, already landed on staging disk,
// awaiting its catalog row.
type NewFile struct {
	TransferId   int64
	Filename     string
	OriginalPath string
	SizeBytes    int64
	ChecksumSHA256 string
}

// inserts a TransferFile row and bumps the parent transfer's totals, in one
// transaction, so a crash mid-upload never leaves totals out of sync with
// the files actually recorded.
func InsertFileTx(tx *store.Tx, nf NewFile) (TransferFile, error) {
	now := store.Now()
	filename := sanitizeFilename(nf.Filename)
	err := tx.Exec(`
		INSERT INTO transfer_files (transfer_id, filename, original_path, size_bytes,
			checksum_sha256, virus_scan_status, uploaded_at)
		VALUES (:transfer_id, :filename, :original_path, :size_bytes,
			:checksum, :scan_status, :now)`,
		map[string]any{
			"transfer_id":   nf.TransferId,
			"filename":      filename,
			"original_path": nf.OriginalPath,
			"size_bytes":    nf.SizeBytes,
			"checksum":      nf.ChecksumSHA256,
			"scan_status":   string(ScanPending),
			"now":           formatTime(now),
		})
	if err != nil {
		return TransferFile{}, err
	}
	id := tx.LastInsertRowID()

	if err := IncrementTransferTotalsTx(tx, nf.TransferId, 1, nf.SizeBytes); err != nil {
		return TransferFile{}, err
	}

	return TransferFile{
		Id:             id,
		TransferId:     nf.TransferId,
		Filename:       filename,
		OriginalPath:   nf.OriginalPath,
		SizeBytes:      nf.SizeBytes,
		ChecksumSHA256: nf.ChecksumSHA256,
		VirusScanStatus: ScanPending,
		UploadedAt:     now,
	}, nil
}

func (c *Catalog) InsertFile(nf NewFile) (TransferFile, error) {
	return WithTx(c, func(tx *store.Tx) (TransferFile, error) {
		return InsertFileTx(tx, nf)
	})
}

// returns every file belonging to transferId, in upload order.
func (c *Catalog) FilesForTransfer(transferId int64) ([]TransferFile, error) {
	return WithTx(c, func(tx *store.Tx) ([]TransferFile, error) {
		files := make([]TransferFile, 0)
		err := tx.Query(`SELECT * FROM transfer_files WHERE transfer_id = :transfer_id ORDER BY id`,
			map[string]any{"transfer_id": transferId},
			func(stmt *sqlite.Stmt) error {
				f, err := scanFile(stmt)
				if err != nil {
					return err
				}
				files = append(files, f)
				return nil
			})
		return files, err
	})
}

// FilesForTransferTx is the transactional form, used by ScanWorker and
// CopyWorker which need the file list inside their own load/mutate/save
// transaction.
func FilesForTransferTx(tx *store.Tx, transferId int64) ([]TransferFile, error) {
	files := make([]TransferFile, 0)
	err := tx.Query(`SELECT * FROM transfer_files WHERE transfer_id = :transfer_id ORDER BY id`,
		map[string]any{"transfer_id": transferId},
		func(stmt *sqlite.Stmt) error {
			f, err := scanFile(stmt)
			if err != nil {
				return err
			}
			files = append(files, f)
			return nil
		})
	return files, err
}

// records the outcome of the virus scan for a single file.
func SetFileScanResultTx(tx *store.Tx, fileId int64, status VirusScanStatus, detail string) error {
	return tx.Exec(`
		UPDATE transfer_files SET virus_scan_status = :status, virus_scan_detail = :detail
		WHERE id = :id`,
		map[string]any{
			"id":     fileId,
			"status": string(status),
			"detail": detail,
		})
}

func (c *Catalog) SetFileScanResult(fileId int64, status VirusScanStatus, detail string) error {
	_, err := WithTx(c, func(tx *store.Tx) (struct{}, error) {
		return struct{}{}, SetFileScanResultTx(tx, fileId, status, detail)
	})
	return err
}

// records whether a file's checksum was confirmed to survive the copy to
// production.
func SetFileChecksumVerifiedTx(tx *store.Tx, fileId int64, verified bool) error {
	return tx.Exec(`UPDATE transfer_files SET checksum_verified = :v WHERE id = :id`,
		map[string]any{"id": fileId, "v": boolParam(verified)})
}

func (c *Catalog) SetFileChecksumVerified(fileId int64, verified bool) error {
	_, err := WithTx(c, func(tx *store.Tx) (struct{}, error) {
		return struct{}{}, SetFileChecksumVerifiedTx(tx, fileId, verified)
	})
	return err
}

func scanFile(stmt *sqlite.Stmt) (TransferFile, error) {
	return TransferFile{
		Id:              stmt.GetInt64("id"),
		TransferId:      stmt.GetInt64("transfer_id"),
		Filename:        stmt.GetText("filename"),
		OriginalPath:    stmt.GetText("original_path"),
		SizeBytes:       stmt.GetInt64("size_bytes"),
		ChecksumSHA256:  stmt.GetText("checksum_sha256"),
		ChecksumVerified: nullableBool(stmt, "checksum_verified"),
		VirusScanStatus: VirusScanStatus(stmt.GetText("virus_scan_status")),
		VirusScanDetail: stmt.GetText("virus_scan_detail"),
		UploadedAt:      parseTime(stmt.GetText("uploaded_at")),
	}, nil
}
