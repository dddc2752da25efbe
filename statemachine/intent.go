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

package statemachine

import (
	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/policy"
)

// Intent describes one attempted transition: who is trying to do what, and
// whatever data that particular kind of transition needs. Apply is the only
// function that interprets an Intent.
type Intent struct {
	Kind  policy.IntentKind
	Actor auth.User

	// approve/reject
	Comment string // approve
	Reason  string // reject (min length 10), cancel, override

	// override
	TargetStatus catalog.TransferStatus

	// complete_scan
	AllFilesClean bool
	ScanSummary   map[string]any

	// prepare
	ProductionPath string

	// execute
	TransferMethod string

	// copy_error
	StderrTail string

	// verify_mismatch
	MismatchedFiles []string
}

// PreconditionFailedError reports that (status, intent.Kind, actor.Role)
// has no legal transition, or that the intent's own predicate (approval row
// must be pending, reason too short, etc.) was not satisfied. Per spec.md
// §7 this always maps to HTTP 400 and is never retried automatically.
type PreconditionFailedError struct {
	TransferId int64
	Status     catalog.TransferStatus
	Intent     policy.IntentKind
	Detail     string
}

func (e *PreconditionFailedError) Error() string {
	msg := "transfer " + string(e.Status) + " rejects intent " + string(e.Intent)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
