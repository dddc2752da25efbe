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

// Package approvals is the thin facade spec.md §4.2 calls ApprovalCoordinator:
// everything here is a convenience wrapper over statemachine.Apply plus a
// couple of read-only views the request surface needs (pending_for,
// approval_chain).
package approvals

import (
	"fmt"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
	"github.com/kelpstudio/dts/statemachine"
)

type Coordinator struct {
	cat *catalog.Catalog
	sm  *statemachine.StateMachine
}

func New(cat *catalog.Catalog, sm *statemachine.StateMachine) *Coordinator {
	return &Coordinator{cat: cat, sm: sm}
}

// PendingFor returns the transfers awaiting actor's decision, per the
// role-to-pending-status(es) mapping of spec.md §4.2.
func (c *Coordinator) PendingFor(actor auth.User) ([]catalog.Transfer, error) {
	all, err := c.cat.AllTransfers()
	if err != nil {
		return nil, err
	}

	var statuses []catalog.TransferStatus
	switch actor.Role {
	case auth.RoleAdmin:
		statuses = policy.PendingStatusesForAdmin
	case auth.RoleDataTeam:
		statuses = policy.PendingStatusesForDataTeam
	case auth.RoleITTeam:
		statuses = policy.PendingStatusesForITTeam
	default:
		if s, ok := policy.PendingStatusFor(actor.Role); ok {
			statuses = []catalog.TransferStatus{s}
		}
	}

	wanted := make(map[catalog.TransferStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	pending := make([]catalog.Transfer, 0)
	for _, t := range all {
		if wanted[t.Status] {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

func (c *Coordinator) Approve(transferId int64, actor auth.User, comment string) (catalog.Transfer, error) {
	return c.sm.Apply(transferId, statemachine.Intent{
		Kind: policy.IntentApprove, Actor: actor, Comment: comment,
	})
}

func (c *Coordinator) Reject(transferId int64, actor auth.User, reason string) (catalog.Transfer, error) {
	return c.sm.Apply(transferId, statemachine.Intent{
		Kind: policy.IntentReject, Actor: actor, Reason: reason,
	})
}

// Cancel withdraws a transfer at the owning artist's or an admin's request.
// Permitted from any non-terminal state; see policy.CanCancel.
func (c *Coordinator) Cancel(transferId int64, actor auth.User, reason string) (catalog.Transfer, error) {
	return c.sm.Apply(transferId, statemachine.Intent{
		Kind: policy.IntentCancel, Actor: actor, Reason: reason,
	})
}

// ApprovalChain returns the ordered five-row view over a transfer's
// approvals, filling in a synthetic pending row for any (transfer, role)
// pair that doesn't yet exist — in practice every transfer gets all five
// rows at creation, so this is a defensive fallback rather than the common
// path.
func (c *Coordinator) ApprovalChain(transferId int64) ([]catalog.Approval, error) {
	chain, err := c.cat.ApprovalChain(transferId)
	if err != nil {
		return nil, err
	}
	present := make(map[auth.Role]bool, len(chain))
	for _, a := range chain {
		present[a.RequiredRole] = true
	}
	for _, role := range catalog.AllApprovalRoles {
		if !present[role] {
			chain = append(chain, catalog.Approval{
				TransferId: transferId, RequiredRole: role, Status: catalog.ApprovalPending,
			})
		}
	}
	return chain, nil
}

func (c *Coordinator) AdminOverride(transferId int64, admin auth.User, target catalog.TransferStatus, reason string) (catalog.Transfer, error) {
	if reason == "" {
		return catalog.Transfer{}, fmt.Errorf("approvals: override requires a reason")
	}
	return c.sm.Apply(transferId, statemachine.Intent{
		Kind: policy.IntentOverride, Actor: admin, TargetStatus: target, Reason: reason,
	})
}
