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
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/kelpstudio/dts/store"
)

// CreateTransfer input: everything the artist supplies at submission time.
type NewTransfer struct {
	Name        string
	Category    string
	ArtistId    int64
	StagingPath string
	Tags        []string
}

// creates a new Transfer in status "uploaded" with all five Approval rows
// inserted pending, inside one transaction with the caller-supplied tx. The
// reference is generated as MAX(id)+1 under the same transaction as the
// insert, per spec.md §9's recommended resolution to the non-monotonic
// count(transfers)+1 scheme.
func CreateTransferTx(tx *store.Tx, nt NewTransfer) (Transfer, error) {
	now := store.Now()

	var maxId int64
	err := tx.Query(`SELECT COALESCE(MAX(id), 0) AS max_id FROM transfers`, nil,
		func(stmt *sqlite.Stmt) error {
			maxId = stmt.GetInt64("max_id")
			return nil
		})
	if err != nil {
		return Transfer{}, err
	}
	reference := fmt.Sprintf("TRF-%05d", maxId+1)

	tags, err := marshalJSON(nt.Tags)
	if err != nil {
		return Transfer{}, err
	}

	err = tx.Exec(`
		INSERT INTO transfers (reference, name, category, status, priority, artist_id,
			staging_path, total_files, total_size_bytes, tags, created_at, updated_at)
		VALUES (:reference, :name, :category, :status, 'normal', :artist_id,
			:staging_path, 0, 0, :tags, :now, :now)`,
		map[string]any{
			"reference":    reference,
			"name":         nt.Name,
			"category":     nt.Category,
			"status":       string(StatusUploaded),
			"artist_id":    nt.ArtistId,
			"staging_path": nt.StagingPath,
			"tags":         tags,
			"now":          formatTime(now),
		})
	if err != nil {
		if isUniqueViolation(err) {
			return Transfer{}, &ConflictError{Entity: "transfer", Detail: reference}
		}
		return Transfer{}, err
	}
	id := tx.LastInsertRowID()

	for _, role := range AllApprovalRoles {
		err = tx.Exec(`
			INSERT INTO approvals (transfer_id, required_role, status, created_at)
			VALUES (:transfer_id, :role, :status, :now)`,
			map[string]any{
				"transfer_id": id,
				"role":        string(role),
				"status":      string(ApprovalPending),
				"now":         formatTime(now),
			})
		if err != nil {
			return Transfer{}, err
		}
	}

	return Transfer{
		Id:          id,
		Reference:   reference,
		Name:        nt.Name,
		Category:    nt.Category,
		Status:      StatusUploaded,
		Priority:    "normal",
		ArtistId:    nt.ArtistId,
		StagingPath: nt.StagingPath,
		Tags:        nt.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// creates a new Transfer, opening its own transaction.
func (c *Catalog) CreateTransfer(nt NewTransfer) (Transfer, error) {
	return WithTx(c, func(tx *store.Tx) (Transfer, error) {
		return CreateTransferTx(tx, nt)
	})
}

// loads a Transfer by id inside the given transaction. This is the "load for
// update" step referenced throughout spec.md §4.1 — because the whole
// transaction runs inside the store's single-writer actor goroutine, the
// load is already exclusive.
func TransferByIDTx(tx *store.Tx, id int64) (Transfer, error) {
	var found Transfer
	err := tx.Query(`SELECT * FROM transfers WHERE id = :id`,
		map[string]any{"id": id},
		func(stmt *sqlite.Stmt) error {
			var err error
			found, err = scanTransfer(stmt)
			return err
		})
	if err != nil {
		return Transfer{}, err
	}
	if found.Id == 0 {
		return Transfer{}, &NotFoundError{Entity: "transfer", Key: id}
	}
	return found, nil
}

func (c *Catalog) TransferByID(id int64) (Transfer, error) {
	return WithTx(c, func(tx *store.Tx) (Transfer, error) {
		return TransferByIDTx(tx, id)
	})
}

func (c *Catalog) TransferByReference(reference string) (Transfer, error) {
	return WithTx(c, func(tx *store.Tx) (Transfer, error) {
		var found Transfer
		err := tx.Query(`SELECT * FROM transfers WHERE reference = :reference`,
			map[string]any{"reference": reference},
			func(stmt *sqlite.Stmt) error {
				var err error
				found, err = scanTransfer(stmt)
				return err
			})
		if err != nil {
			return Transfer{}, err
		}
		if found.Id == 0 {
			return Transfer{}, &NotFoundError{Entity: "transfer", Key: reference}
		}
		return found, nil
	})
}

// returns every Transfer in the catalog. Role-scoped filtering (package
// policy) is applied by the caller; the catalog itself has no notion of
// visibility.
func (c *Catalog) AllTransfers() ([]Transfer, error) {
	return WithTx(c, func(tx *store.Tx) ([]Transfer, error) {
		transfers := make([]Transfer, 0)
		err := tx.Query(`SELECT * FROM transfers ORDER BY id`, nil,
			func(stmt *sqlite.Stmt) error {
				t, err := scanTransfer(stmt)
				if err != nil {
					return err
				}
				transfers = append(transfers, t)
				return nil
			})
		return transfers, err
	})
}

// SaveTransferTx persists every mutable field of t (all but id/reference/
// artist_id/staging_path/created_at, which never change after creation).
// It is the write-half of the load/mutate/save cycle statemachine.Apply
// drives.
func SaveTransferTx(tx *store.Tx, t Transfer) error {
	scanResult, err := marshalJSON(t.ScanResult)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(t.Tags)
	if err != nil {
		return err
	}
	return tx.Exec(`
		UPDATE transfers SET
			name = :name,
			category = :category,
			status = :status,
			priority = :priority,
			production_path = :production_path,
			total_files = :total_files,
			total_size_bytes = :total_size_bytes,
			scan_result = :scan_result,
			scan_passed = :scan_passed,
			transfer_verified = :transfer_verified,
			transfer_method = :transfer_method,
			transfer_started_at = :transfer_started_at,
			transfer_completed_at = :transfer_completed_at,
			rejection_reason = :rejection_reason,
			tags = :tags,
			shotgrid_project_id = :sg_project_id,
			shotgrid_project_name = :sg_project_name,
			shotgrid_entity_type = :sg_entity_type,
			shotgrid_entity_id = :sg_entity_id,
			updated_at = :now
		WHERE id = :id`,
		map[string]any{
			"id":                  t.Id,
			"name":                t.Name,
			"category":            t.Category,
			"status":              string(t.Status),
			"priority":            t.Priority,
			"production_path":     nullableString(t.ProductionPath),
			"total_files":         t.TotalFiles,
			"total_size_bytes":    t.TotalSizeBytes,
			"scan_result":         scanResult,
			"scan_passed":         boolPtrParam(t.ScanPassed),
			"transfer_verified":   boolPtrParam(t.TransferVerified),
			"transfer_method":     nullableString(t.TransferMethod),
			"transfer_started_at": timePtrParam(t.TransferStartedAt),
			"transfer_completed_at": timePtrParam(t.TransferCompletedAt),
			"rejection_reason":    nullableString(t.RejectionReason),
			"tags":                tags,
			"sg_project_id":       nullableInt64Zero(t.ShotGrid.ProjectId),
			"sg_project_name":     nullableString(t.ShotGrid.ProjectName),
			"sg_entity_type":      nullableString(t.ShotGrid.EntityType),
			"sg_entity_id":        nullableInt64Zero(t.ShotGrid.EntityId),
			"now":                 formatTime(store.Now()),
		})
}

// SetStagingPath assigns the on-disk staging directory after a transfer's
// reference is known, since CreateTransferTx generates the reference inside
// the same insert that needs staging_path. Distinct from SaveTransferTx,
// which deliberately never touches staging_path once set.
func (c *Catalog) SetStagingPath(id int64, path string) error {
	_, err := WithTx(c, func(tx *store.Tx) (struct{}, error) {
		return struct{}{}, tx.Exec(`UPDATE transfers SET staging_path = :path, updated_at = :now WHERE id = :id`,
			map[string]any{"id": id, "path": path, "now": formatTime(store.Now())})
	})
	return err
}

// increments total_files/total_size_bytes atomically; used by ingest after
// each file lands, so concurrent uploads to the same transfer never race.
func IncrementTransferTotalsTx(tx *store.Tx, transferId int64, files int, bytes int64) error {
	return tx.Exec(`
		UPDATE transfers SET
			total_files = total_files + :files,
			total_size_bytes = total_size_bytes + :bytes,
			updated_at = :now
		WHERE id = :id`,
		map[string]any{
			"id":    transferId,
			"files": files,
			"bytes": bytes,
			"now":   formatTime(store.Now()),
		})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64Zero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func scanTransfer(stmt *sqlite.Stmt) (Transfer, error) {
	return Transfer{
		Id:                  stmt.GetInt64("id"),
		Reference:           stmt.GetText("reference"),
		Name:                stmt.GetText("name"),
		Category:            stmt.GetText("category"),
		Status:              TransferStatus(stmt.GetText("status")),
		Priority:            stmt.GetText("priority"),
		ArtistId:            stmt.GetInt64("artist_id"),
		StagingPath:         stmt.GetText("staging_path"),
		ProductionPath:      stmt.GetText("production_path"),
		TotalFiles:          int(stmt.GetInt64("total_files")),
		TotalSizeBytes:      stmt.GetInt64("total_size_bytes"),
		ScanResult:          unmarshalJSONMap(stmt, "scan_result"),
		ScanPassed:          nullableBool(stmt, "scan_passed"),
		TransferVerified:    nullableBool(stmt, "transfer_verified"),
		TransferMethod:      stmt.GetText("transfer_method"),
		TransferStartedAt:   nullableTime(stmt, "transfer_started_at"),
		TransferCompletedAt: nullableTime(stmt, "transfer_completed_at"),
		RejectionReason:     stmt.GetText("rejection_reason"),
		Tags:                unmarshalTags(stmt, "tags"),
		ShotGrid: ShotGridLink{
			ProjectId:   getInt64OrZero(stmt, "shotgrid_project_id"),
			ProjectName: stmt.GetText("shotgrid_project_name"),
			EntityType:  stmt.GetText("shotgrid_entity_type"),
			EntityId:    getInt64OrZero(stmt, "shotgrid_entity_id"),
		},
		CreatedAt: parseTime(stmt.GetText("created_at")),
		UpdatedAt: parseTime(stmt.GetText("updated_at")),
	}, nil
}

func getInt64OrZero(stmt *sqlite.Stmt, col string) int64 {
	if isNull(stmt, col) {
		return 0
	}
	return stmt.GetInt64(col)
}
