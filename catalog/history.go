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

// NewHistoryEntry is one fact to append to a transfer's audit trail. UserId
// is nil for system-generated entries (e.g. a worker completing a scan).
type NewHistoryEntry struct {
	TransferId  int64
	UserId      *int64
	Action      string
	Description string
	Metadata    map[string]any
}

// appends an immutable TransferHistory row. History rows are never updated
// or deleted; AppendHistoryTx is the only write path.
func AppendHistoryTx(tx *store.Tx, e NewHistoryEntry) error {
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return err
	}
	return tx.Exec(`
		INSERT INTO transfer_history (transfer_id, user_id, action, description, metadata, created_at)
		VALUES (:transfer_id, :user_id, :action, :description, :metadata, :now)`,
		map[string]any{
			"transfer_id": e.TransferId,
			"user_id":     int64PtrParam(e.UserId),
			"action":      e.Action,
			"description": e.Description,
			"metadata":    metadata,
			"now":         formatTime(store.Now()),
		})
}

// returns a transfer's audit trail ordered by insertion (primary key), not
// by created_at — two entries stamped within the same wall-clock second
// must still sort in the order they actually happened.
func (c *Catalog) History(transferId int64) ([]TransferHistory, error) {
	return WithTx(c, func(tx *store.Tx) ([]TransferHistory, error) {
		entries := make([]TransferHistory, 0)
		err := tx.Query(`SELECT * FROM transfer_history WHERE transfer_id = :transfer_id ORDER BY id`,
			map[string]any{"transfer_id": transferId},
			func(stmt *sqlite.Stmt) error {
				h, err := scanHistory(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, h)
				return nil
			})
		return entries, err
	})
}

func scanHistory(stmt *sqlite.Stmt) (TransferHistory, error) {
	return TransferHistory{
		Id:          stmt.GetInt64("id"),
		TransferId:  stmt.GetInt64("transfer_id"),
		UserId:      nullableInt64(stmt, "user_id"),
		Action:      stmt.GetText("action"),
		Description: stmt.GetText("description"),
		Metadata:    unmarshalJSONMap(stmt, "metadata"),
		CreatedAt:   parseTime(stmt.GetText("created_at")),
	}, nil
}
