package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Config tunes the engine defaults; per-call options override them.
type Config struct {
	// ChunkSize is the default records-per-RPC, bounded by MaxChunkSize.
	ChunkSize    int
	MaxChunkSize int

	// MaxConcurrency bounds the chunks in flight.
	MaxConcurrency int

	// Timeout bounds one whole bulk call.
	Timeout time.Duration
}

// Option adjusts one bulk call.
type Option func(*callOptions)

type callOptions struct {
	chunkSize int
	mode      Mode
	progress  Progress
	inScope   bool
}

// WithChunkSize overrides the records-per-RPC bound for this call.
func WithChunkSize(n int) Option {
	return func(o *callOptions) { o.chunkSize = n }
}

// WithMode selects stop-on-error or continue-on-error.
func WithMode(mode Mode) Option {
	return func(o *callOptions) { o.mode = mode }
}

// WithProgress installs a per-chunk progress sink.
func WithProgress(sink Progress) Option {
	return func(o *callOptions) { o.progress = sink }
}

// WithinScope marks the call as running under a transaction scope, so a
// stop-on-error failure requests a scope rollback.
func WithinScope() Option {
	return func(o *callOptions) { o.inScope = true }
}

// Engine runs chunked bulk operations over one runner.
type Engine struct {
	runner Runner
	cfg    Config
	log    *logrus.Entry
}

// NewEngine builds an engine; zero config fields get conservative
// defaults.
func NewEngine(runner Runner, cfg Config, logger *logrus.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 1000
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{runner: runner, cfg: cfg, log: logger.WithField("component", "batch")}
}

func (e *Engine) options(opts []Option) callOptions {
	o := callOptions{chunkSize: e.cfg.ChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chunkSize <= 0 {
		o.chunkSize = e.cfg.ChunkSize
	}
	if o.chunkSize > e.cfg.MaxChunkSize {
		o.chunkSize = e.cfg.MaxChunkSize
	}
	return o
}

// chunk is one schedulable unit of a bulk call.
type chunk struct {
	index  int
	offset int
	count  int
	run    func(ctx context.Context) error

	// each re-issues the chunk record by record after run failed,
	// returning the records that still fail. Only continue-on-error
	// calls use it.
	each func(ctx context.Context) []RecordError
}

// BulkCreate creates records in chunks and returns their server ids in
// input order. Under StopOnError the ids of chunks after the first failure
// are absent and Result.Failed counts their records. Under ContinueOnError
// a failed chunk is re-issued record by record, so its valid records still
// land and only the truly bad ones count as failed.
func (e *Engine) BulkCreate(ctx context.Context, model string, records []map[string]interface{}, opts ...Option) (*Result, error) {
	o := e.options(opts)
	idsPerChunk := make([][]int64, (len(records)+o.chunkSize-1)/o.chunkSize)

	var chunks []chunk
	for index, offset := 0, 0; offset < len(records); index, offset = index+1, offset+o.chunkSize {
		end := offset + o.chunkSize
		if end > len(records) {
			end = len(records)
		}
		index, offset := index, offset
		part := records[offset:end]
		chunks = append(chunks, chunk{
			index:  index,
			offset: offset,
			count:  len(part),
			run: func(ctx context.Context) error {
				ids, err := e.runner.CreateBatch(ctx, model, part)
				if err != nil {
					return err
				}
				idsPerChunk[index] = ids
				return nil
			},
			each: func(ctx context.Context) []RecordError {
				var ids []int64
				var failed []RecordError
				for j, values := range part {
					got, err := e.runner.CreateBatch(ctx, model, []map[string]interface{}{values})
					if err != nil {
						failed = append(failed, RecordError{Index: offset + j, Err: err})
						continue
					}
					ids = append(ids, got...)
				}
				idsPerChunk[index] = ids
				return failed
			},
		})
	}

	result, err := e.execute(ctx, KindCreate, model, chunks, len(records), o)
	for _, ids := range idsPerChunk {
		result.CreatedIDs = append(result.CreatedIDs, ids...)
	}
	return result, err
}

// BulkUpdate applies per-record changes. Records sharing an identical
// change set are grouped into common write calls before chunking, so a
// uniform update of N records costs ceil(N/chunk) RPCs, not N.
func (e *Engine) BulkUpdate(ctx context.Context, model string, updates []Update, opts ...Option) (*Result, error) {
	o := e.options(opts)

	type group struct {
		values  map[string]interface{}
		ids     []int64
		indexes []int
	}
	groups := make(map[string]*group)
	var order []string
	for i, u := range updates {
		digest := valuesDigest(u.Values)
		g, ok := groups[digest]
		if !ok {
			g = &group{values: u.Values}
			groups[digest] = g
			order = append(order, digest)
		}
		g.ids = append(g.ids, u.ID)
		g.indexes = append(g.indexes, i)
	}
	sort.Strings(order)

	var chunks []chunk
	index, offset := 0, 0
	for _, digest := range order {
		g := groups[digest]
		for start := 0; start < len(g.ids); start += o.chunkSize {
			end := start + o.chunkSize
			if end > len(g.ids) {
				end = len(g.ids)
			}
			ids := g.ids[start:end]
			indexes := g.indexes[start:end]
			values := g.values
			chunks = append(chunks, chunk{
				index:  index,
				offset: offset,
				count:  len(ids),
				run: func(ctx context.Context) error {
					return e.runner.WriteRecords(ctx, model, ids, values)
				},
				each: func(ctx context.Context) []RecordError {
					var failed []RecordError
					for j, id := range ids {
						if err := e.runner.WriteRecords(ctx, model, []int64{id}, values); err != nil {
							failed = append(failed, RecordError{Index: indexes[j], ID: id, Err: err})
						}
					}
					return failed
				},
			})
			index++
			offset += len(ids)
		}
	}
	return e.execute(ctx, KindUpdate, model, chunks, len(updates), o)
}

// UpdateWhere writes one change set to an explicit id list, chunked.
func (e *Engine) UpdateWhere(ctx context.Context, model string, ids []int64, values map[string]interface{}, opts ...Option) (*Result, error) {
	updates := make([]Update, len(ids))
	for i, id := range ids {
		updates[i] = Update{ID: id, Values: values}
	}
	return e.BulkUpdate(ctx, model, updates, opts...)
}

// BulkDelete unlinks the ids in chunks.
func (e *Engine) BulkDelete(ctx context.Context, model string, ids []int64, opts ...Option) (*Result, error) {
	o := e.options(opts)
	var chunks []chunk
	for index, offset := 0, 0; offset < len(ids); index, offset = index+1, offset+o.chunkSize {
		end := offset + o.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		offset := offset
		part := ids[offset:end]
		chunks = append(chunks, chunk{
			index:  index,
			offset: offset,
			count:  len(part),
			run: func(ctx context.Context) error {
				return e.runner.UnlinkRecords(ctx, model, part)
			},
			each: func(ctx context.Context) []RecordError {
				var failed []RecordError
				for j, id := range part {
					if err := e.runner.UnlinkRecords(ctx, model, []int64{id}); err != nil {
						failed = append(failed, RecordError{Index: offset + j, ID: id, Err: err})
					}
				}
				return failed
			},
		})
	}
	return e.execute(ctx, KindDelete, model, chunks, len(ids), o)
}

// execute schedules the chunks under the concurrency bound and aggregates
// their outcomes.
func (e *Engine) execute(ctx context.Context, op Kind, model string, chunks []chunk, total int, o callOptions) (*Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))

	var (
		mu        sync.Mutex
		failures  []ChunkError
		processed int
		stopped   bool
	)
	var wg sync.WaitGroup

	for _, c := range chunks {
		mu.Lock()
		skip := stopped
		mu.Unlock()
		if skip {
			// Not-yet-started chunks are dropped; their records
			// count as failed without an RPC.
			mu.Lock()
			failures = append(failures, ChunkError{
				Index: c.index, Offset: c.offset, Count: c.count,
				Err: context.Canceled,
			})
			mu.Unlock()
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failures = append(failures, ChunkError{
				Index: c.index, Offset: c.offset, Count: c.count, Err: err,
			})
			stopped = true
			mu.Unlock()
			continue
		}
		// Re-check under the permit: a chunk that failed while this one
		// waited must stop it before any RPC.
		mu.Lock()
		skip = stopped
		if skip {
			failures = append(failures, ChunkError{
				Index: c.index, Offset: c.offset, Count: c.count,
				Err: context.Canceled,
			})
		}
		mu.Unlock()
		if skip {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		c := c
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			err := c.run(ctx)

			var failure *ChunkError
			if err != nil {
				if o.mode == ContinueOnError && c.each != nil {
					// Narrow the failure down: valid records in the
					// chunk still land, bad ones get pinpointed.
					if records := c.each(ctx); len(records) > 0 {
						failure = &ChunkError{
							Index: c.index, Offset: c.offset,
							Count: len(records), Err: err, Records: records,
						}
					}
				} else {
					failure = &ChunkError{
						Index: c.index, Offset: c.offset, Count: c.count, Err: err,
					}
				}
			}

			mu.Lock()
			processed += c.count
			done := processed
			if failure != nil {
				failures = append(failures, *failure)
				if o.mode == StopOnError {
					stopped = true
				}
				e.log.WithFields(logrus.Fields{
					"op":     string(op),
					"model":  model,
					"chunk":  c.index,
					"failed": failure.Count,
				}).WithError(err).Warn("bulk chunk failed")
			}
			mu.Unlock()

			if o.progress != nil {
				o.progress(done, total, op)
			}
		}()
	}
	wg.Wait()

	result := &Result{}
	for _, c := range chunks {
		result.Successful += c.count
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
	for _, f := range failures {
		result.Successful -= f.Count
		result.Failed += f.Count
	}
	if len(failures) == 0 {
		return result, nil
	}
	if o.mode == StopOnError && o.inScope {
		result.RollbackRequested = true
	}
	return result, &OperationError{Op: op, Model: model, Chunks: failures}
}
