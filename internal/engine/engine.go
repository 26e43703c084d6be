// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package engine

import (
	"sync"

	"github.com/inmemdb/engine/internal/alter"
	"github.com/inmemdb/engine/internal/analyze"
	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/logging"
	"github.com/inmemdb/engine/internal/metrics"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
)

// RecoveryState is alter.RecoveryState under the name Execute's callers
// think in terms of (spec.md §6 "Recovery state"): there is exactly one
// recovery state machine in this engine, owned by internal/alter.
type RecoveryState = alter.RecoveryState

const (
	InitialRecovery = alter.InitialRecovery
	FinalRecovery   = alter.FinalRecovery
	Normal          = alter.Normal
)

// TriggerTiming is sql/trigger.c's tr_tm: TRIGGER_BEFORE fires ahead of
// the row mutation (space.BeforeReplaceTrigger), TRIGGER_AFTER fires
// once it has already landed in every index (space.ReplaceTrigger).
type TriggerTiming int

const (
	TriggerBefore TriggerTiming = iota
	TriggerAfter
)

// TriggerEvent is sql/trigger.c's op mask (TK_INSERT|TK_UPDATE|TK_DELETE,
// combined the way sqlTriggersExist ORs pTrigger->tr_tm across every
// trigger whose op matches the statement being executed).
type TriggerEvent int

const (
	EventInsert TriggerEvent = 1 << iota
	EventUpdate
	EventDelete
	EventAll = EventInsert | EventUpdate | EventDelete
)

func (e TriggerEvent) matches(old, newT *tuple.Tuple) bool {
	switch {
	case old == nil && newT != nil:
		return e&EventInsert != 0
	case old != nil && newT == nil:
		return e&EventDelete != 0
	default:
		return e&EventUpdate != 0
	}
}

type namedTrigger struct {
	spaceID uint64
	timing  TriggerTiming
	handle  *space.TriggerHandle
	before  *space.BeforeTriggerHandle
}

// Engine is the top-level wiring of spec.md §6: the space cache, the
// autoincrement/sequence counters Execute's bound programs read from,
// and the journal hooks external durability/replication layers plug
// into. It implements vm.Catalog so a Program can reach schema-
// maintenance opcodes through the same dispatch loop as DML.
type Engine struct {
	Cache    *cache.Cache
	Recovery RecoveryState
	Seq      Sequence

	// Metrics, when set, receives one dispatch sample per opcode every
	// Execute-driven Program runs (internal/metrics opcode-dispatch
	// counters/histogram). Left nil by New; callers that want the stats
	// surface assign it explicitly.
	Metrics *metrics.Registry

	JournalSync   JournalSync
	TxnLimboFlush TxnLimboFlush

	log logging.Tagged

	mu        sync.Mutex
	active    map[uint64]map[*txn.Txn]bool // spaceID -> txns currently executing against it
	autoinc   map[uint64]int64             // spaceID -> last NextAutoincValue issued
	maxid     uint64
	triggers  map[string]namedTrigger
}

// New builds an Engine backed by a fresh space cache wired for
// invalidate-on-replace (spec.md §4.4/§9): a transaction still holding
// a reference to a space that AddIndex::alter or DropIndex just
// replaced out from under it is aborted rather than left to observe a
// torn read, closing the WeakIndexRef/InvalidateFunc gap left open in
// internal/cache without reaching into txn.Txn's private arena.
func New(seq Sequence) *Engine {
	e := &Engine{
		Recovery: Normal,
		Seq:      seq,
		log:      logging.NewTagged("engine"),
		active:   make(map[uint64]map[*txn.Txn]bool),
		autoinc:  make(map[uint64]int64),
		triggers: make(map[string]namedTrigger),
	}
	e.Cache = cache.New(e.invalidate)
	return e
}

// invalidate is the cache's InvalidateFunc: every transaction this
// engine has seen touch old.Def.ID is aborted, so its next operation
// (or Commit) observes the conflict instead of mutating a space that
// has already been swapped out.
func (e *Engine) invalidate(old *space.Space) {
	e.mu.Lock()
	txns := e.active[old.Def.ID]
	delete(e.active, old.Def.ID)
	e.mu.Unlock()
	for tx := range txns {
		e.log.Warnf("aborting txn %d: space %q (id %d) was altered by a concurrent transaction", tx.ID, old.Def.Name, old.Def.ID)
		tx.Abort(diag.Newf(diag.TransactionConflict, "space %q was altered by a concurrent transaction", old.Def.Name))
	}
}

// register notes that tx is about to run an operation against
// spaceID, and installs commit/rollback triggers that forget it again
// once tx ends — so invalidate's registry never grows unbounded and
// never outlives the transaction it watches.
func (e *Engine) register(spaceID uint64, tx *txn.Txn) {
	e.mu.Lock()
	set := e.active[spaceID]
	if set == nil {
		set = make(map[*txn.Txn]bool)
		e.active[spaceID] = set
	}
	alreadyWatched := set[tx]
	set[tx] = true
	e.mu.Unlock()

	if alreadyWatched {
		return
	}
	forget := func(*txn.Txn) error {
		e.mu.Lock()
		delete(e.active[spaceID], tx)
		e.mu.Unlock()
		return nil
	}
	tx.AddOnCommit(forget)
	tx.AddOnRollback(forget)
}

// spaceForExecute resolves req.SpaceID and registers tx against it in
// one step, the entry point every Execute op-type branch calls first.
func (e *Engine) spaceForExecute(req *Request, tx *txn.Txn) (*space.Space, error) {
	sp := e.Cache.ByID(req.SpaceID)
	if sp == nil {
		return nil, diag.Newf(diag.NotFound, "space %d not found", req.SpaceID)
	}
	e.register(req.SpaceID, tx)
	return sp, nil
}

// --- vm.Catalog ---

func (e *Engine) RenameTable(oldName, newName string) error {
	sp := e.Cache.ByName(oldName)
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %q not found", oldName)
	}
	name := newName
	plan := alter.NewPlan(sp, e.Recovery, []alter.AlterOp{&alter.ModifySpace{Name: &name}})
	tx := txn.New(0)
	if err := alter.Run(plan, tx, e.Cache); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) DropTable(spaceID uint64) error {
	sp := e.Cache.ByID(spaceID)
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %d not found", spaceID)
	}
	return e.Cache.Replace(sp, nil)
}

func (e *Engine) DropIndex(spaceID uint64, iid int) error {
	sp := e.Cache.ByID(spaceID)
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %d not found", spaceID)
	}
	plan := alter.NewPlan(sp, e.Recovery, []alter.AlterOp{&alter.DropIndex{IID: iid}})
	tx := txn.New(0)
	if err := alter.Run(plan, tx, e.Cache); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTrigger registers fn as a named trigger on spaceID, firing only
// for the row operations named by event and at the timing named by
// timing (spec.md §6 Triggers registry, generalized from sql/trigger.c's
// CREATE TRIGGER ... {BEFORE|AFTER} {INSERT|UPDATE|DELETE} ON <table>).
// A later DropTrigger finds it by name — Request carries no
// CREATE-TRIGGER op-type, this is DDL-side wiring the same way
// AddIndex/DropIndex are reached outside Execute.
func (e *Engine) CreateTrigger(name string, spaceID uint64, timing TriggerTiming, event TriggerEvent, fn space.ReplaceTrigger) error {
	sp := e.Cache.ByID(spaceID)
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %d not found", spaceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.triggers[name]; exists {
		return diag.Newf(diag.InternalError, "trigger %q already exists", name)
	}
	guarded := func(sp *space.Space, old, newT *tuple.Tuple) error {
		if !event.matches(old, newT) {
			return nil
		}
		return fn(sp, old, newT)
	}
	nt := namedTrigger{spaceID: spaceID, timing: timing}
	if timing == TriggerBefore {
		nt.before = sp.AddBeforeReplaceTrigger(guarded)
	} else {
		nt.handle = sp.AddReplaceTrigger(guarded)
	}
	e.triggers[name] = nt
	return nil
}

func (e *Engine) DropTrigger(name string) error {
	e.mu.Lock()
	nt, ok := e.triggers[name]
	delete(e.triggers, name)
	e.mu.Unlock()
	if !ok {
		return diag.Newf(diag.NotFound, "trigger %q not found", name)
	}
	sp := e.Cache.ByID(nt.spaceID)
	if sp == nil {
		return nil
	}
	if nt.timing == TriggerBefore {
		sp.RemoveBeforeReplaceTrigger(nt.before)
	} else {
		sp.RemoveReplaceTrigger(nt.handle)
	}
	return nil
}

// ParseSchema is out of scope: compiling a schema-definition source
// string is the SQL/DDL-language front end spec.md explicitly excludes
// (Non-goals: no query-language compiler). Space/index creation here
// happens through space.New/cache.Replace directly, not through text.
func (e *Engine) ParseSchema(source string, strict bool) error {
	return diag.New(diag.Unsupported, "ParseSchema: no schema-language front end, spaces are created via space.New directly")
}

// LoadAnalysis is advisory (query-planner statistics) and has no
// effect on correctness, so it is a no-op rather than an error: there
// is no query planner here to consult the Stat1 rows Analyze computes.
func (e *Engine) LoadAnalysis() error { return nil }

// Analyze runs ANALYZE <table> (sql/analyze.c) against spaceID: one
// Stat1 row per index, computed exactly over the live in-memory data
// rather than sampled, since unlike the disk-backed original the whole
// index is already resident.
func (e *Engine) Analyze(spaceID uint64) ([]analyze.Stat1, error) {
	sp := e.Cache.ByID(spaceID)
	if sp == nil {
		return nil, diag.Newf(diag.NotFound, "space %d not found", spaceID)
	}
	stats, err := analyze.Space(sp)
	if err != nil {
		return nil, err
	}
	for _, s := range stats {
		e.log.Infof("analyze: space %q index %q: %d rows, avg_eq=%v", sp.Def.Name, s.IndexName, s.RowCount, s.AvgEq)
	}
	return stats, nil
}

func (e *Engine) IncMaxid() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxid++
	return e.maxid, nil
}

func (e *Engine) NextSequenceId(seqID uint64) (int64, error) {
	if e.Seq == nil {
		return 0, diag.New(diag.Unsupported, "NextSequenceId: no Sequence implementation configured")
	}
	return e.Seq.Next(seqID)
}

// NextIdEphemeral hands back cur+1: an ephemeral (temp-table) rowid
// counter lives entirely in the caller's own register, the engine just
// performs the increment so every NextIdEphemeral call site agrees on
// the rule (spec.md §4.8 opcode semantics), with no durable state.
func (e *Engine) NextIdEphemeral(cur int) (int64, error) {
	return int64(cur) + 1, nil
}

func (e *Engine) NextAutoincValue(spaceID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoinc[spaceID]++
	return e.autoinc[spaceID], nil
}
