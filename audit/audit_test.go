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

package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTripsThroughRecords(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Record{
		TransferId: 7, Reference: "TRF-00007", ArtistId: 3, Status: "transferred",
		StartedAt: start, CompletedAt: start.Add(10 * time.Minute),
		TotalFiles: 12, TotalSizeBytes: 4096, Detail: "",
	}
	require.NoError(t, j.Record(r))

	records, err := j.Records(start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.Reference, records[0].Reference)
	assert.Equal(t, r.ArtistId, records[0].ArtistId)
	assert.Equal(t, r.TotalSizeBytes, records[0].TotalSizeBytes)
	assert.WithinDuration(t, r.CompletedAt, records[0].CompletedAt, time.Second)
}

func TestRecordsExcludesOutOfRangeEntries(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(Record{TransferId: 1, Reference: "TRF-00001", CompletedAt: early, StartedAt: early}))
	require.NoError(t, j.Record(Record{TransferId: 2, Reference: "TRF-00002", CompletedAt: late, StartedAt: late}))

	records, err := j.Records(early, early.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "TRF-00001", records[0].Reference)
}

func TestRecordManifestRoundTrips(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	_, found, err := j.Manifest("TRF-00001")
	require.NoError(t, err)
	assert.False(t, found)

	manifest := []byte(`{"name":"trf-00001"}`)
	require.NoError(t, j.RecordManifest("TRF-00001", manifest))

	got, found, err := j.Manifest("TRF-00001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, manifest, got)
}

func TestTwoRecordsInSameSecondBothSurvive(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(Record{TransferId: 1, Reference: "TRF-00001", CompletedAt: when, StartedAt: when}))
	require.NoError(t, j.Record(Record{TransferId: 2, Reference: "TRF-00002", CompletedAt: when, StartedAt: when}))

	records, err := j.Records(when.Add(-time.Minute), when.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
