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

package httpapi

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
	"github.com/kelpstudio/dts/statemachine"
)

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

//-----------
// auth
//-----------

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "malformed login request", http.StatusUnprocessableEntity)
		return
	}
	user, err := s.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		writeError(w, "invalid username or password", http.StatusUnauthorized)
		return
	}
	tokens, err := auth.IssueTokens(user.Username)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, tokens, http.StatusOK)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "malformed refresh request", http.StatusUnprocessableEntity)
		return
	}
	username, err := auth.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	tokens, err := auth.IssueTokens(username)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, tokens, http.StatusOK)
}

//-----------
// transfers
//-----------

type createTransferRequest struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// createTransfer implements POST /transfers. Only the owning artist (or an
// admin creating on an artist's behalf is out of scope here — admins create
// their own) may open a new transfer; the staging directory is assigned only
// once the catalog has generated the transfer's reference.
func (s *Server) createTransfer(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != auth.RoleArtist && actor.Role != auth.RoleAdmin {
		forbidden(w, "only an artist may open a transfer")
		return
	}

	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "malformed transfer request", http.StatusUnprocessableEntity)
		return
	}
	if req.Name == "" || req.Category == "" {
		writeError(w, "name and category are required", http.StatusUnprocessableEntity)
		return
	}

	transfer, err := s.cat.CreateTransfer(catalog.NewTransfer{
		Name:     req.Name,
		Category: req.Category,
		ArtistId: actor.Id,
		Tags:     req.Tags,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	stagingPath := filepath.Join(s.stagingRoot, transfer.Reference)
	if err := s.cat.SetStagingPath(transfer.Id, stagingPath); err != nil {
		writeErr(w, err)
		return
	}
	transfer.StagingPath = stagingPath

	writeJson(w, transfer, http.StatusCreated)
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	all, err := s.cat.AllTransfers()
	if err != nil {
		writeErr(w, err)
		return
	}
	visible := policy.Visible(actor.Id, actor.Role)
	result := make([]catalog.Transfer, 0, len(all))
	for _, t := range all {
		if visible(t) {
			result = append(result, t)
		}
	}
	writeJson(w, result, http.StatusOK)
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	transfer, err := s.cat.TransferByID(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !policy.Visible(actor.Id, actor.Role)(transfer) {
		forbidden(w, "transfer not visible to this role")
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	transfer, err := s.approvals.Cancel(id, actor, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, "malformed multipart upload", http.StatusUnprocessableEntity)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "missing form field \"file\"", http.StatusUnprocessableEntity)
		return
	}
	defer file.Close()

	tf, err := s.ingestor.Upload(actor, id, header.Filename, header.Size, file)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, tf, http.StatusCreated)
}

func (s *Server) submitTransfer(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	transfer, err := s.sm.Apply(id, statemachine.Intent{Kind: policy.IntentSubmit, Actor: actor})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	files, err := s.cat.FilesForTransfer(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, files, http.StatusOK)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	history, err := s.cat.History(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, history, http.StatusOK)
}

func (s *Server) getApprovalChain(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	chain, err := s.approvals.ApprovalChain(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, chain, http.StatusOK)
}

//-----------
// approvals
//-----------

func (s *Server) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	pending, err := s.approvals.PendingFor(actor)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, pending, http.StatusOK)
}

type decisionRequest struct {
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed approval id", http.StatusBadRequest)
		return
	}
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	transfer, err := s.approvals.Approve(id, actor, req.Comment)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed approval id", http.StatusBadRequest)
		return
	}
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	transfer, err := s.approvals.Reject(id, actor, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

type overrideRequest struct {
	TargetStatus string `json:"target_status"`
	Reason       string `json:"reason"`
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !policy.CanOverride(actor.Role) {
		forbidden(w, "only an admin may override a transfer's status")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "malformed override request", http.StatusUnprocessableEntity)
		return
	}

	transfer, err := s.approvals.AdminOverride(id, actor, catalog.TransferStatus(req.TargetStatus), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

//-----------
// scanning / transfer-ops
//-----------

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	transfer, err := s.sm.Apply(id, statemachine.Intent{Kind: policy.IntentStartScan, Actor: actor})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

type completeScanRequest struct {
	AllFilesClean bool           `json:"all_files_clean"`
	ScanSummary   map[string]any `json:"scan_summary"`
}

func (s *Server) completeScan(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	var req completeScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "malformed scan-completion request", http.StatusUnprocessableEntity)
		return
	}
	transfer, err := s.sm.Apply(id, statemachine.Intent{
		Kind: policy.IntentCompleteScan, Actor: actor,
		AllFilesClean: req.AllFilesClean, ScanSummary: req.ScanSummary,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

type executeRequest struct {
	TransferMethod string `json:"transfer_method"`
}

func (s *Server) executeTransfer(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	var req executeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	transfer, err := s.sm.Apply(id, statemachine.Intent{
		Kind: policy.IntentExecute, Actor: actor, TransferMethod: req.TransferMethod,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

// completeTransfer implements POST /transfer-ops/{id}/complete, the
// "copy finished, enqueue VerifyWorker" step of spec.md §6 — applying
// IntentCopyDone, which statemachine.Apply enqueues to the verify stage.
func (s *Server) completeTransfer(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed transfer id", http.StatusBadRequest)
		return
	}
	transfer, err := s.sm.Apply(id, statemachine.Intent{Kind: policy.IntentCopyDone, Actor: actor})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, transfer, http.StatusOK)
}

//-----------
// notifications
//-----------

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	unreadOnly := r.URL.Query().Get("unread") == "true"
	notifications, err := s.cat.NotificationsForUser(actor.Id, unreadOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJson(w, notifications, http.StatusOK)
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, "malformed notification id", http.StatusBadRequest)
		return
	}
	if err := s.cat.MarkNotificationRead(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
