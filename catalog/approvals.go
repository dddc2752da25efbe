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

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/store"
)

// returns the five-row approval chain for a transfer, in creation order
// (team_lead, supervisor, line_producer, data_team, it_team).
func ApprovalChainTx(tx *store.Tx, transferId int64) ([]Approval, error) {
	chain := make([]Approval, 0, 5)
	err := tx.Query(`SELECT * FROM approvals WHERE transfer_id = :transfer_id ORDER BY id`,
		map[string]any{"transfer_id": transferId},
		func(stmt *sqlite.Stmt) error {
			a, err := scanApproval(stmt)
			if err != nil {
				return err
			}
			chain = append(chain, a)
			return nil
		})
	return chain, err
}

func (c *Catalog) ApprovalChain(transferId int64) ([]Approval, error) {
	return WithTx(c, func(tx *store.Tx) ([]Approval, error) {
		return ApprovalChainTx(tx, transferId)
	})
}

// returns the single approval row for (transferId, role).
func ApprovalForRoleTx(tx *store.Tx, transferId int64, role auth.Role) (Approval, error) {
	var found Approval
	err := tx.Query(`SELECT * FROM approvals WHERE transfer_id = :transfer_id AND required_role = :role`,
		map[string]any{"transfer_id": transferId, "role": string(role)},
		func(stmt *sqlite.Stmt) error {
			var err error
			found, err = scanApproval(stmt)
			return err
		})
	if err != nil {
		return Approval{}, err
	}
	if found.Id == 0 {
		return Approval{}, &NotFoundError{Entity: "approval", Key: role}
	}
	return found, nil
}

// records a decision (approved/rejected/skipped) against the (transferId,
// role) approval row. approverId is nil for system/worker decisions made
// without a human actor (e.g. an admin override records the admin's id).
func DecideApprovalTx(tx *store.Tx, transferId int64, role auth.Role, status ApprovalStatus, approverId *int64, comment string) error {
	now := store.Now()
	return tx.Exec(`
		UPDATE approvals SET status = :status, approver_id = :approver_id,
			comment = :comment, decided_at = :now
		WHERE transfer_id = :transfer_id AND required_role = :role`,
		map[string]any{
			"transfer_id": transferId,
			"role":        string(role),
			"status":      string(status),
			"approver_id": int64PtrParam(approverId),
			"comment":     comment,
			"now":         formatTime(now),
		})
}

func scanApproval(stmt *sqlite.Stmt) (Approval, error) {
	return Approval{
		Id:           stmt.GetInt64("id"),
		TransferId:   stmt.GetInt64("transfer_id"),
		RequiredRole: auth.Role(stmt.GetText("required_role")),
		ApproverId:   nullableInt64(stmt, "approver_id"),
		Status:       ApprovalStatus(stmt.GetText("status")),
		Comment:      stmt.GetText("comment"),
		DecidedAt:    nullableTime(stmt, "decided_at"),
		CreatedAt:    parseTime(stmt.GetText("created_at")),
	}, nil
}
