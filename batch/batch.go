// Package batch executes bulk create, update and delete operations as
// bounded-concurrency chunked RPC calls with partial-failure aggregation
// and optional progress reporting.
package batch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind labels the operation of a bulk call, mostly for progress sinks and
// error messages.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Mode selects the partial-failure behavior of one bulk call.
type Mode int

const (
	// StopOnError cancels chunks that have not started after the first
	// failure; chunks already in flight run to completion.
	StopOnError Mode = iota

	// ContinueOnError runs every chunk and aggregates the failures.
	ContinueOnError
)

// Runner issues the chunk RPCs. The client implements it on top of its
// retry and transaction plumbing, so one chunk is one journalled server
// call.
type Runner interface {
	// CreateBatch creates the records in one call and returns their ids
	// in input order.
	CreateBatch(ctx context.Context, model string, values []map[string]interface{}) ([]int64, error)

	WriteRecords(ctx context.Context, model string, ids []int64, values map[string]interface{}) error
	UnlinkRecords(ctx context.Context, model string, ids []int64) error
}

// Progress is called after each finished chunk. processed grows
// monotonically; call order across chunks is unspecified under
// concurrency.
type Progress func(processed, total int, op Kind)

// Update pairs one record id with its new values for BulkUpdate.
type Update struct {
	ID     int64
	Values map[string]interface{}
}

// RecordError pinpoints one failed record after a continue-on-error call
// narrowed a chunk failure down record by record.
type RecordError struct {
	// Index is the record's position in the original input.
	Index int

	// ID is the record id, for update and delete operations.
	ID int64

	Err error
}

// ChunkError describes one failed chunk inside an OperationError.
type ChunkError struct {
	// Index is the chunk position in submission order.
	Index int

	// Offset and Count locate the chunk's records in the original
	// input. When Records is populated, Count counts only the records
	// that actually failed.
	Offset int
	Count  int

	Err error

	// Records holds the per-record failures found by re-issuing the
	// chunk record by record; valid records in the chunk still landed.
	// Empty under StopOnError, where a failed chunk is not retried.
	Records []RecordError
}

// OperationError aggregates the chunk failures of one bulk call.
type OperationError struct {
	Op     Kind
	Model  string
	Chunks []ChunkError
}

func (e *OperationError) Error() string {
	parts := make([]string, 0, len(e.Chunks))
	for _, c := range e.Chunks {
		parts = append(parts, fmt.Sprintf("chunk %d (%d records): %v", c.Index, c.Count, c.Err))
	}
	return fmt.Sprintf("batch: %s on %s failed in %d chunk(s): %s",
		e.Op, e.Model, len(e.Chunks), strings.Join(parts, "; "))
}

func (e *OperationError) Unwrap() error {
	if len(e.Chunks) == 0 {
		return nil
	}
	return e.Chunks[0].Err
}

// Result is the aggregate outcome of one bulk call.
type Result struct {
	// CreatedIDs holds the new ids in input order (create only).
	CreatedIDs []int64

	// Successful and Failed count records, not chunks.
	Successful int
	Failed     int

	// RollbackRequested is set when a stop-on-error call failed inside
	// an active transaction scope; the scope owner reacts on exit.
	RollbackRequested bool
}

// valuesDigest groups updates whose change set is identical, so they share
// one write call per chunk.
func valuesDigest(values map[string]interface{}) string {
	raw, err := json.Marshal(values)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", values))
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}
