// Package transaction provides client-side compensating transaction scopes.
//
// The server's own transaction boundary cannot span multiple RPC calls, so a
// scope journals every write issued through it and, on rollback, undoes them
// by issuing their inverses in reverse order: a create is unlinked, an update
// is rewritten from its captured before-image, a delete is re-created from
// the full record captured before the unlink. This is compensation, not
// isolation: other clients observe intermediate states.
package transaction

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind labels a journal entry.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status is the lifecycle state of a scope.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled-back"

	// StatusAborted marks a scope whose rollback left operations
	// unrecovered.
	StatusAborted Status = "aborted"
)

// Inverter issues the compensating server operations. The client implements
// it on top of its transport so inverses travel the same path as ordinary
// writes, minus the journaling.
type Inverter interface {
	CreateRecord(ctx context.Context, model string, values map[string]interface{}) (int64, error)
	WriteRecords(ctx context.Context, model string, ids []int64, values map[string]interface{}) error
	UnlinkRecords(ctx context.Context, model string, ids []int64) error
}

// entry is one reversible operation in the journal. A batch chunk journals
// as a single entry covering all its ids.
type entry struct {
	kind  Kind
	model string
	ids   []int64

	// before holds per-id images: the changed fields' prior values for an
	// update, the full record for a delete.
	before map[int64]map[string]interface{}

	// irreversible entries cannot be compensated (cascading deletes);
	// rollback reports them unrecovered.
	irreversible bool
	reason       string
}

// Savepoint marks a journal position for partial rollback.
type Savepoint struct {
	id   string
	name string
	mark int
	seq  int
}

// Name returns the caller-supplied savepoint label.
func (sp *Savepoint) Name() string { return sp.name }

// Scope is one transaction frame. Nested scopes share the root's journal
// through the parent link; each frame carries its own status and start mark.
// A scope belongs to the goroutine driving it: concurrent calls fail with
// TransactionError.
type Scope struct {
	id      string
	parent  *Scope
	status  Status
	started time.Time

	// root-owned state, nil on child frames.
	journal    []entry
	savepoints []*Savepoint
	spSeq      int
	busy       atomic.Bool
	remap      map[int64]int64
	touched    map[string]struct{}

	startMark int
	inverter  Inverter
	log       *logrus.Entry
}

func newScope(inverter Inverter, log *logrus.Entry) *Scope {
	s := &Scope{
		id:       uuid.NewString(),
		status:   StatusActive,
		started:  time.Now(),
		remap:    map[int64]int64{},
		touched:  map[string]struct{}{},
		inverter: inverter,
	}
	s.log = log.WithField("scope", s.id)
	return s
}

// ID returns the scope identifier.
func (s *Scope) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Scope) Status() Status { return s.status }

// RemappedIDs reports the old-id to new-id mapping produced when rollback
// re-created deleted records. References held in user data are not rewritten.
func (s *Scope) RemappedIDs() map[int64]int64 {
	root := s.root()
	out := make(map[int64]int64, len(root.remap))
	for old, now := range root.remap {
		out[old] = now
	}
	return out
}

// TouchedModels lists the models written through the scope, sorted. The
// client uses it to finalize cache invalidation at commit.
func (s *Scope) TouchedModels() []string {
	root := s.root()
	out := make([]string, 0, len(root.touched))
	for m := range root.touched {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Scope) root() *Scope {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// enter claims the scope for the calling goroutine for the duration of one
// operation.
func (s *Scope) enter(op string) (func(), error) {
	root := s.root()
	if !root.busy.CompareAndSwap(false, true) {
		return nil, &TransactionError{Scope: s.id, Reason: "concurrent " + op + " on a scope owned by another goroutine"}
	}
	return func() { root.busy.Store(false) }, nil
}

func (s *Scope) requireActive(op string) error {
	if s.status != StatusActive {
		return &TransactionError{Scope: s.id, Reason: op + " on a " + string(s.status) + " scope"}
	}
	return nil
}

// Child opens a nested frame sharing this scope's journal. Rolling back the
// child compensates only the entries it contributed.
func (s *Scope) Child() (*Scope, error) {
	leave, err := s.enter("child")
	if err != nil {
		return nil, err
	}
	defer leave()
	if err := s.requireActive("child"); err != nil {
		return nil, err
	}
	root := s.root()
	child := &Scope{
		id:        uuid.NewString(),
		parent:    s,
		status:    StatusActive,
		started:   time.Now(),
		startMark: len(root.journal),
		inverter:  root.inverter,
	}
	child.log = root.log.WithField("scope", child.id)
	return child, nil
}

func (s *Scope) append(e entry) error {
	leave, err := s.enter("journal append")
	if err != nil {
		return err
	}
	defer leave()
	if err := s.requireActive("journal append"); err != nil {
		return err
	}
	root := s.root()
	root.journal = append(root.journal, e)
	root.touched[e.model] = struct{}{}
	return nil
}

// RecordCreate journals created ids. One batch chunk passes all its ids in
// a single call so rollback unlinks them together.
func (s *Scope) RecordCreate(model string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.append(entry{kind: KindCreate, model: model, ids: ids})
}

// RecordUpdate journals an update with per-id before-images of the changed
// fields.
func (s *Scope) RecordUpdate(model string, before map[int64]map[string]interface{}) error {
	if len(before) == 0 {
		return nil
	}
	return s.append(entry{kind: KindUpdate, model: model, ids: sortedIDs(before), before: before})
}

// RecordDelete journals a delete with full per-id record captures taken
// before the unlink. Rollback re-creates them; the server assigns fresh ids,
// reported through RemappedIDs.
func (s *Scope) RecordDelete(model string, before map[int64]map[string]interface{}) error {
	if len(before) == 0 {
		return nil
	}
	return s.append(entry{kind: KindDelete, model: model, ids: sortedIDs(before), before: before})
}

// RecordCascadingDelete journals a delete whose server-side cascade cannot
// be reconstructed client-side. The entry is irreversible: rollback reports
// it unrecovered instead of silently skipping it.
func (s *Scope) RecordCascadingDelete(model string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.append(entry{
		kind: KindDelete, model: model, ids: ids,
		irreversible: true,
		reason:       "cascading delete has no client-side inverse",
	})
}

// JournalLen reports the number of entries this frame contributed.
func (s *Scope) JournalLen() int {
	root := s.root()
	n := len(root.journal) - s.startMark
	if n < 0 {
		return 0
	}
	return n
}

// Savepoint marks the current journal position. Rolling back to the mark
// compensates everything journalled after it and discards savepoints taken
// later.
func (s *Scope) Savepoint(name string) (*Savepoint, error) {
	leave, err := s.enter("savepoint")
	if err != nil {
		return nil, err
	}
	defer leave()
	if err := s.requireActive("savepoint"); err != nil {
		return nil, err
	}
	root := s.root()
	root.spSeq++
	sp := &Savepoint{
		id:   uuid.NewString(),
		name: name,
		mark: len(root.journal),
		seq:  root.spSeq,
	}
	root.savepoints = append(root.savepoints, sp)
	return sp, nil
}

// Release discards the savepoint. Entries journalled after it stay in the
// scope's journal; savepoints taken after it are discarded with it.
func (s *Scope) Release(sp *Savepoint) error {
	leave, err := s.enter("savepoint release")
	if err != nil {
		return err
	}
	defer leave()
	if err := s.requireActive("savepoint release"); err != nil {
		return err
	}
	return s.root().dropSavepoint(sp)
}

func (s *Scope) dropSavepoint(sp *Savepoint) error {
	for i, held := range s.savepoints {
		if held.id == sp.id {
			s.savepoints = s.savepoints[:i]
			return nil
		}
	}
	return &TransactionError{Scope: s.id, Reason: "unknown or already released savepoint " + sp.name}
}

// RollbackTo compensates every entry journalled after the savepoint, in
// reverse order, then truncates the journal to its mark. The scope stays
// active unless an inverse fails.
func (s *Scope) RollbackTo(ctx context.Context, sp *Savepoint) error {
	leave, err := s.enter("savepoint rollback")
	if err != nil {
		return err
	}
	defer leave()
	if err := s.requireActive("savepoint rollback"); err != nil {
		return err
	}
	root := s.root()
	if err := root.dropSavepoint(sp); err != nil {
		return err
	}
	failed := root.compensate(ctx, sp.mark)
	if len(failed) > 0 {
		s.status = StatusAborted
		if s != root {
			root.status = StatusAborted
		}
		return &RollbackError{Scope: s.id, Unrecovered: failed}
	}
	return nil
}

// Commit finalizes the frame. A root commit empties the journal; a child
// commit leaves its entries with the parent, which decides their fate.
func (s *Scope) Commit(ctx context.Context) error {
	leave, err := s.enter("commit")
	if err != nil {
		return err
	}
	defer leave()
	if err := s.requireActive("commit"); err != nil {
		return err
	}
	s.status = StatusCommitted
	if s.parent == nil {
		s.journal = nil
		s.savepoints = nil
	}
	return nil
}

// Rollback compensates every entry the frame contributed, in reverse order.
// A failed inverse aborts the scope and surfaces a RollbackError listing the
// operations left unrecovered.
func (s *Scope) Rollback(ctx context.Context) error {
	leave, err := s.enter("rollback")
	if err != nil {
		return err
	}
	defer leave()
	if err := s.requireActive("rollback"); err != nil {
		return err
	}
	root := s.root()
	failed := root.compensate(ctx, s.startMark)
	if len(failed) > 0 {
		s.status = StatusAborted
		if s != root {
			root.status = StatusAborted
		}
		return &RollbackError{Scope: s.id, Unrecovered: failed}
	}
	s.status = StatusRolledBack
	return nil
}

// compensate issues inverses for journal entries at or after mark, newest
// first, and truncates the journal to mark. Failures do not stop the sweep:
// every remaining entry still gets its inverse attempted.
func (s *Scope) compensate(ctx context.Context, mark int) []FailedInverse {
	var failed []FailedInverse
	for i := len(s.journal) - 1; i >= mark; i-- {
		e := s.journal[i]
		if e.irreversible {
			failed = append(failed, FailedInverse{
				Kind: e.kind, Model: e.model, IDs: e.ids,
				Err: errors.New(e.reason),
			})
			continue
		}
		switch e.kind {
		case KindCreate:
			if err := s.inverter.UnlinkRecords(ctx, e.model, e.ids); err != nil {
				failed = append(failed, FailedInverse{Kind: e.kind, Model: e.model, IDs: e.ids, Err: err})
			}
		case KindUpdate:
			for j := len(e.ids) - 1; j >= 0; j-- {
				id := e.ids[j]
				if err := s.inverter.WriteRecords(ctx, e.model, []int64{id}, e.before[id]); err != nil {
					failed = append(failed, FailedInverse{Kind: e.kind, Model: e.model, IDs: []int64{id}, Err: err})
				}
			}
		case KindDelete:
			for j := len(e.ids) - 1; j >= 0; j-- {
				id := e.ids[j]
				newID, err := s.inverter.CreateRecord(ctx, e.model, withoutID(e.before[id]))
				if err != nil {
					failed = append(failed, FailedInverse{Kind: e.kind, Model: e.model, IDs: []int64{id}, Err: err})
					continue
				}
				s.remap[id] = newID
			}
		}
	}
	s.journal = s.journal[:mark]
	kept := s.savepoints[:0]
	for _, sp := range s.savepoints {
		if sp.mark <= mark {
			kept = append(kept, sp)
		}
	}
	s.savepoints = kept
	if len(failed) > 0 {
		s.log.WithField("unrecovered", len(failed)).Error("compensating rollback incomplete")
	}
	return failed
}

func sortedIDs(before map[int64]map[string]interface{}) []int64 {
	ids := make([]int64, 0, len(before))
	for id := range before {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// withoutID strips the server-managed id field from a captured record so it
// can be fed back to create.
func withoutID(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}
