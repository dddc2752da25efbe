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

// Package audit is an append-only side journal of terminal transfer
// outcomes, independent of the SQLite Store so a report over "everything
// that ever finished" survives even if the relational catalog is later
// pruned or migrated. It is the same bbolt-backed, CSV-record design as the
// teacher's journal package, generalized from journal's package-global
// goroutine-and-channels singleton to an instance the caller owns (the
// shape package store already adapted journal's actor idiom into).
package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Record is one terminal transfer outcome: the transfer reached a status
// policy.IsTerminal reports true for (transferred, rejected, cancelled, or
// the scan/verify failure bucket) and will never transition again.
type Record struct {
	TransferId     int64
	Reference      string
	ArtistId       int64
	Status         string
	StartedAt      time.Time
	CompletedAt    time.Time
	TotalFiles     int
	TotalSizeBytes int64
	Detail         string
}

const (
	recordsBucket   = "transfers"
	manifestsBucket = "manifests"
)

// Journal is the actor-owned handle to the embedded bbolt audit database.
// One goroutine owns the *bolt.DB, following store.Store's channel-request
// shape so the journal never sees two writers at once.
type Journal struct {
	reqs chan journalRequest
	quit chan struct{}
	done chan struct{}
}

type journalRequest struct {
	fn     func(db *bolt.DB) (any, error)
	result chan journalResult
}

type journalResult struct {
	value any
	err   error
}

// Open creates (if necessary) the bbolt database at path and starts the
// owning goroutine.
func Open(path string) (*Journal, error) {
	j := &Journal{
		reqs: make(chan journalRequest),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go j.run(path, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return j, nil
}

// Close shuts the journal down, blocking until the owning goroutine has
// closed the underlying database file.
func (j *Journal) Close() error {
	close(j.quit)
	<-j.done
	return nil
}

func (j *Journal) run(path string, ready chan error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		ready <- CantOpenError{Path: path, Message: err.Error()}
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{recordsBucket, manifestsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		ready <- CantOpenError{Path: path, Message: err.Error()}
		return
	}
	ready <- nil

	defer close(j.done)
	defer db.Close()

	for {
		select {
		case req := <-j.reqs:
			value, err := req.fn(db)
			req.result <- journalResult{value: value, err: err}
		case <-j.quit:
			return
		}
	}
}

func (j *Journal) call(fn func(db *bolt.DB) (any, error)) (any, error) {
	req := journalRequest{fn: fn, result: make(chan journalResult, 1)}
	j.reqs <- req
	res := <-req.result
	return res.value, res.err
}

// recordKey orders entries by completion time (for Records' range scan)
// while staying unique even when two transfers complete in the same second.
func recordKey(r Record) string {
	return fmt.Sprintf("%s:%d", r.CompletedAt.UTC().Format(time.RFC3339Nano), r.TransferId)
}

// Record stores one terminal outcome under recordKey. It never deletes an
// entry; a second Record for the same transfer with a different CompletedAt
// adds a second row, which Records then reports as two entries, while one
// with the same CompletedAt and TransferId replaces the earlier row.
func (j *Journal) Record(r Record) error {
	_, err := j.call(func(db *bolt.DB) (any, error) {
		return nil, db.Update(func(tx *bolt.Tx) error {
			var buf bytes.Buffer
			w := csv.NewWriter(&buf)
			err := w.Write([]string{
				strconv.FormatInt(r.TransferId, 10),
				r.Reference,
				strconv.FormatInt(r.ArtistId, 10),
				r.Status,
				r.StartedAt.UTC().Format(time.RFC3339),
				r.CompletedAt.UTC().Format(time.RFC3339),
				strconv.Itoa(r.TotalFiles),
				strconv.FormatInt(r.TotalSizeBytes, 10),
				r.Detail,
			})
			if err != nil {
				return err
			}
			w.Flush()
			if err := w.Error(); err != nil {
				return err
			}
			return tx.Bucket([]byte(recordsBucket)).Put([]byte(recordKey(r)), buf.Bytes())
		})
	})
	return err
}

// RecordManifest attaches a Frictionless manifest (raw JSON bytes) to a
// transfer reference, as the teacher's journal does for a successfully
// completed transfer's data package. Manifests are written after the
// terminal Record itself, once notify.Fanout's ShotGrid completion handler
// has assembled one.
func (j *Journal) RecordManifest(reference string, manifest []byte) error {
	_, err := j.call(func(db *bolt.DB) (any, error) {
		return nil, db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(manifestsBucket)).Put([]byte(reference), manifest)
		})
	})
	return err
}

// Manifest retrieves the manifest bytes recorded for reference, if any.
func (j *Journal) Manifest(reference string) ([]byte, bool, error) {
	v, err := j.call(func(db *bolt.DB) (any, error) {
		var manifest []byte
		err := db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket([]byte(manifestsBucket)).Get([]byte(reference))
			if v != nil {
				manifest = append([]byte(nil), v...)
			}
			return nil
		})
		return manifest, err
	})
	if err != nil {
		return nil, false, err
	}
	manifest, _ := v.([]byte)
	return manifest, manifest != nil, nil
}

// Records returns every terminal outcome whose CompletedAt falls within
// [start, stop], inclusive, in completion order.
func (j *Journal) Records(start, stop time.Time) ([]Record, error) {
	v, err := j.call(func(db *bolt.DB) (any, error) {
		records := make([]Record, 0)
		err := db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket([]byte(recordsBucket)).Cursor()
			lower := []byte(start.UTC().Format(time.RFC3339Nano))
			upper := []byte(stop.UTC().Format(time.RFC3339Nano) + "\xff")
			for k, v := c.Seek(lower); k != nil && bytes.Compare(k, upper) <= 0; k, v = c.Next() {
				r, err := decodeRecord(v)
				if err != nil {
					return fmt.Errorf("audit: corrupt record at key %q: %w", k, err)
				}
				records = append(records, r)
			}
			return nil
		})
		return records, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]Record), nil
}

func decodeRecord(v []byte) (Record, error) {
	r := csv.NewReader(bytes.NewReader(v))
	fields, err := r.Read()
	if err != nil {
		return Record{}, err
	}
	if len(fields) != 9 {
		return Record{}, fmt.Errorf("expected 9 fields, got %d", len(fields))
	}
	transferId, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, err
	}
	artistId, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Record{}, err
	}
	startedAt, err := time.Parse(time.RFC3339, fields[4])
	if err != nil {
		return Record{}, err
	}
	completedAt, err := time.Parse(time.RFC3339, fields[5])
	if err != nil {
		return Record{}, err
	}
	totalFiles, err := strconv.Atoi(fields[6])
	if err != nil {
		return Record{}, err
	}
	totalSizeBytes, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return Record{}, err
	}
	return Record{
		TransferId:     transferId,
		Reference:      fields[1],
		ArtistId:       artistId,
		Status:         fields[3],
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		TotalFiles:     totalFiles,
		TotalSizeBytes: totalSizeBytes,
		Detail:         fields[8],
	}, nil
}
