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
	"errors"
	"net/http"

	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/ingest"
	"github.com/kelpstudio/dts/statemachine"
)

// writeJson mirrors services/transfer_service.go's helper of the same name,
// generalized to take any JSON-marshalable value rather than a pre-encoded
// []byte.
func writeJson(w http.ResponseWriter, v any, code int) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// errorResponse mirrors services.ErrorResponse.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}

// writeErr inspects err's concrete type and maps it to the HTTP status code
// spec.md §7 assigns its error taxonomy: Precondition/WorkerExternal -> 400,
// NotFound -> 404, Conflict -> 409, upload too large -> 413. Visibility
// failures are not mapped here; handlers report them through forbidden.
// Anything untyped, including a store failure, gets 500: no handler retries
// a failed store call and none answers 503.
func writeErr(w http.ResponseWriter, err error) {
	var notFound *catalog.NotFoundError
	var conflict *catalog.ConflictError
	var precondition *statemachine.PreconditionFailedError
	var ingestPrecondition *ingest.PreconditionError
	var tooLarge *ingest.TooLargeError

	switch {
	case errors.As(err, &notFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &conflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &precondition):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &ingestPrecondition):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &tooLarge):
		writeError(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// forbidden writes the 403 spec.md §6/§7 reserves for visibility and role
// failures that the typed catalog/statemachine errors don't otherwise cover
// (e.g. reading a transfer outside the actor's visibility predicate).
func forbidden(w http.ResponseWriter, detail string) {
	writeError(w, detail, http.StatusForbidden)
}
