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

// Package workers wires the three per-stage workers (scan, copy, verify) to
// the task queue's "scanning" and "transfer" classes. spec.md §4.7 names
// three queues but only two stages worth of worker dispatch beyond scanning
// share one ("transfer" carries copy's prepare and execute messages plus
// verify's trigger); TransferDispatcher tells them apart by the idempotency
// key statemachine.go stamps on each follow-up ("copy:...:prepare",
// "copy:...:execute", "verify:...:verify").
package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelpstudio/dts/audit"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/notify"
	"github.com/kelpstudio/dts/queue"
	"github.com/kelpstudio/dts/shotgrid"
	"github.com/kelpstudio/dts/statemachine"
	"github.com/kelpstudio/dts/workers/copy"
	"github.com/kelpstudio/dts/workers/scan"
	"github.com/kelpstudio/dts/workers/verify"
)

// TransferDispatcher is the "transfer" queue's single registered handler; it
// routes each message to CopyWorker.Prepare, CopyWorker.Execute, or
// VerifyWorker.Run by its idempotency key: a ":prepare" or ":execute" suffix,
// or a "verify:" prefix.
type TransferDispatcher struct {
	Copy   *copy.CopyWorker
	Verify *verify.VerifyWorker
}

func (d *TransferDispatcher) Handler() queue.Handler {
	return func(msg queue.Message) error {
		transferId, ok := msg.Payload["transfer_id"].(int64)
		if !ok {
			return fmt.Errorf("workers: malformed payload, missing transfer_id")
		}
		switch {
		case strings.HasSuffix(msg.IdempotencyKey, ":prepare"):
			return d.Copy.Prepare(transferId)
		case strings.HasSuffix(msg.IdempotencyKey, ":execute"):
			return d.Copy.Execute(context.Background(), transferId)
		case strings.HasPrefix(msg.IdempotencyKey, "verify:"):
			return d.Verify.Run(context.Background(), transferId)
		default:
			return fmt.Errorf("workers: unrecognized idempotency key %q", msg.IdempotencyKey)
		}
	}
}

// Fleet bundles every worker the service runs, for main.go to construct and
// register in one place.
type Fleet struct {
	Scan       *scan.ScanWorker
	Dispatcher *TransferDispatcher
	Notify     *notify.Fanout
}

func NewFleet(cat *catalog.Catalog, sm *statemachine.StateMachine, scanCfg scan.Config, copyCfg copy.Config, notifyCfg notify.Config, sg shotgrid.Client, journal *audit.Journal) *Fleet {
	return &Fleet{
		Scan: scan.New(cat, sm, scanCfg),
		Dispatcher: &TransferDispatcher{
			Copy:   copy.New(cat, sm, copyCfg),
			Verify: verify.New(cat, sm),
		},
		Notify: notify.New(cat, notifyCfg, sg, journal),
	}
}

// Register wires the fleet's handlers onto tasks, matching spec.md §4.7's
// per-queue concurrency: 1 on scanning and transfer, unbounded on
// notifications (concurrency 0).
func (f *Fleet) Register(tasks *queue.TaskQueue) {
	tasks.RegisterHandler("scanning", 1, f.Scan.Handler())
	tasks.RegisterHandler("transfer", 1, f.Dispatcher.Handler())
	tasks.RegisterHandler("notifications", 0, f.Notify.Handler())
}
