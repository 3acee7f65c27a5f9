// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package capability

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/bitmap"
	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/syserr"
)

// Config configures a Manager.
type Config struct {
	// MaxCapabilities bounds the arena.
	MaxCapabilities int

	// MaxPerThread bounds each thread's table.
	MaxPerThread int

	// AuditCapacity is the number of audit records retained.
	AuditCapacity int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxCapabilities: 4096,
		MaxPerThread:    256,
		AuditCapacity:   1000,
	}
}

// record is an arena entry.
type record struct {
	id       CapID
	resource Resource
	rights   Rights
	parent   CapID

	// children are in derivation order.
	children []CapID

	// holder and handle locate the table entry. An in-flight record has
	// no holder.
	holder atom.ThreadID
	handle atom.Handle
}

// slot is one arena position. gen is the generation of the record
// currently or most recently stored there.
type slot struct {
	gen uint32
	rec *record
}

// entry is a table entry.
type entry struct {
	handle atom.Handle
	id     CapID
}

func entryLess(a, b entry) bool {
	return a.handle < b.handle
}

// table is a thread's capability table.
type table struct {
	owner   atom.ThreadID
	entries *btree.BTreeG[entry]

	// next is the next handle to hand out. Handles are never reused.
	next atom.Handle
}

// Stats are arena counters.
type Stats struct {
	Live     int
	InFlight int
	ByKind   [NumKinds]int
	Tables   int

	Created     uint64
	Derived     uint64
	Revoked     uint64
	Transferred uint64
	Denied      uint64
}

// Manager owns the arena and every thread's table.
type Manager struct {
	cfg   Config
	now   func() uint64
	alloc *bitmap.Allocator
	slots []slot

	tables map[atom.ThreadID]*table
	audit  *auditRing
	stats  Stats
	log    log.Logger
}

// New returns an empty Manager. now supplies the tick recorded in audit
// records; nil records zero.
func New(cfg Config, now func() uint64) *Manager {
	def := DefaultConfig()
	if cfg.MaxCapabilities <= 0 {
		cfg.MaxCapabilities = def.MaxCapabilities
	}
	if cfg.MaxPerThread <= 0 {
		cfg.MaxPerThread = def.MaxPerThread
	}
	if cfg.AuditCapacity <= 0 {
		cfg.AuditCapacity = def.AuditCapacity
	}
	if now == nil {
		now = func() uint64 { return 0 }
	}
	return &Manager{
		cfg: cfg,
		now: now,
		// Index zero is never handed out so the zero CapID stays invalid.
		alloc:  bitmap.NewAllocator(1, uint32(cfg.MaxCapabilities)+1),
		slots:  make([]slot, cfg.MaxCapabilities+1),
		tables: make(map[atom.ThreadID]*table),
		audit:  newAuditRing(cfg.AuditCapacity),
		log:    log.Tagged("cap"),
	}
}

// AddThread creates an empty table for tid.
func (m *Manager) AddThread(tid atom.ThreadID) error {
	if tid == atom.NoThread {
		return syserr.ErrInvalidArgument
	}
	if _, ok := m.tables[tid]; ok {
		return fmt.Errorf("%v already has a capability table: %w", tid, syserr.ErrBusy)
	}
	m.tables[tid] = &table{
		owner:   tid,
		entries: btree.NewG(8, entryLess),
		next:    1,
	}
	return nil
}

// HasThread returns whether tid has a table.
func (m *Manager) HasThread(tid atom.ThreadID) bool {
	_, ok := m.tables[tid]
	return ok
}

// DropTable revokes everything tid holds, with descendants, and deletes its
// table.
func (m *Manager) DropTable(tid atom.ThreadID) int {
	t, ok := m.tables[tid]
	if !ok {
		return 0
	}
	var ids []CapID
	t.entries.Ascend(func(e entry) bool {
		ids = append(ids, e.id)
		return true
	})
	n := 0
	for _, id := range ids {
		if rec := m.get(id); rec != nil {
			n += m.revoke(tid, rec)
		}
	}
	delete(m.tables, tid)
	return n
}

// get resolves id, or returns nil for a stale or invalid id.
func (m *Manager) get(id CapID) *record {
	if !id.IsValid() || int(id.Index) >= len(m.slots) {
		return nil
	}
	s := &m.slots[id.Index]
	if s.gen != id.Generation || s.rec == nil {
		return nil
	}
	return s.rec
}

// resolve looks up handle h in tid's table.
func (m *Manager) resolve(tid atom.ThreadID, h atom.Handle) (*table, *record, error) {
	t, ok := m.tables[tid]
	if !ok {
		return nil, nil, fmt.Errorf("%v has no capability table: %w", tid, syserr.ErrPermissionDenied)
	}
	e, ok := t.entries.Get(entry{handle: h})
	if !ok {
		return nil, nil, fmt.Errorf("handle %d not in %v's table: %w", h, tid, syserr.ErrPermissionDenied)
	}
	rec := m.get(e.id)
	if rec == nil {
		panic(fmt.Sprintf("%v handle %d names stale %v", tid, h, e.id))
	}
	return t, rec, nil
}

// resolveWith is resolve plus a rights check.
func (m *Manager) resolveWith(tid atom.ThreadID, h atom.Handle, need Rights) (*table, *record, error) {
	t, rec, err := m.resolve(tid, h)
	if err != nil {
		m.stats.Denied++
		return nil, nil, err
	}
	if !rec.rights.Has(need) {
		m.stats.Denied++
		return nil, nil, fmt.Errorf("handle %d has %v, needs %v: %w", h, rec.rights, need, syserr.ErrPermissionDenied)
	}
	return t, rec, nil
}

// canInsert checks that t has room for one more entry.
func (m *Manager) canInsert(t *table) error {
	if t.entries.Len() >= m.cfg.MaxPerThread || t.next == 0 {
		return fmt.Errorf("%v capability table full: %w", t.owner, syserr.ErrOutOfCapacity)
	}
	return nil
}

// allocate reserves an arena slot for a new record.
func (m *Manager) allocate(res Resource, rights Rights, parent CapID) (*record, error) {
	idx, ok := m.alloc.Allocate()
	if !ok {
		return nil, fmt.Errorf("capability arena full: %w", syserr.ErrOutOfCapacity)
	}
	s := &m.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	rec := &record{
		id:       CapID{Index: idx, Generation: s.gen},
		resource: res,
		rights:   rights,
		parent:   parent,
	}
	s.rec = rec
	m.stats.Live++
	m.stats.ByKind[res.Kind]++
	return rec, nil
}

// insert places rec into t under a fresh handle.
func (m *Manager) insert(t *table, rec *record) atom.Handle {
	h := t.next
	t.next++
	t.entries.ReplaceOrInsert(entry{handle: h, id: rec.id})
	rec.holder = t.owner
	rec.handle = h
	return h
}

// detach removes rec from its holder's table, leaving it in flight.
func (m *Manager) detach(rec *record) {
	if rec.holder == atom.NoThread {
		return
	}
	if t, ok := m.tables[rec.holder]; ok {
		t.entries.Delete(entry{handle: rec.handle})
	}
	rec.holder = atom.NoThread
	rec.handle = 0
}

func (m *Manager) record(actor atom.ThreadID, op Op, id, parent CapID, target atom.ThreadID) {
	m.audit.add(AuditRecord{
		Tick:   m.now(),
		Actor:  actor,
		Op:     op,
		Cap:    id,
		Parent: parent,
		Target: target,
	})
}

// Create makes a root capability over res with the given rights and places
// it in owner's table.
func (m *Manager) Create(actor, owner atom.ThreadID, res Resource, rights Rights) (atom.Handle, error) {
	if !rights.Valid() || res.Kind >= NumKinds {
		return 0, fmt.Errorf("create %v with %v: %w", res, rights, syserr.ErrInvalidArgument)
	}
	t, ok := m.tables[owner]
	if !ok {
		return 0, fmt.Errorf("%v has no capability table: %w", owner, syserr.ErrInvalidArgument)
	}
	if err := m.canInsert(t); err != nil {
		return 0, err
	}
	rec, err := m.allocate(res, rights, NoCap)
	if err != nil {
		return 0, err
	}
	h := m.insert(t, rec)
	m.stats.Created++
	m.record(actor, OpCreate, rec.id, NoCap, owner)
	if m.log.IsLogging(log.Debug) {
		m.log.Debugf("%v created %v over %v for %v as handle %d", actor, rec.id, res, owner, h)
	}
	return h, nil
}

// Derive makes a child of tid's capability h with rights, which must be a
// subset of the parent's, and places it in tid's table.
func (m *Manager) Derive(tid atom.ThreadID, h atom.Handle, rights Rights) (atom.Handle, error) {
	t, parent, err := m.resolveWith(tid, h, 0)
	if err != nil {
		return 0, err
	}
	if !rights.Valid() {
		return 0, fmt.Errorf("derive with %v: %w", rights, syserr.ErrInvalidArgument)
	}
	if !parent.rights.Has(rights) {
		m.stats.Denied++
		return 0, fmt.Errorf("derive %v from %v: %w", rights, parent.rights, syserr.ErrRightsExceeded)
	}
	if err := m.canInsert(t); err != nil {
		return 0, err
	}
	child, err := m.allocate(parent.resource, rights, parent.id)
	if err != nil {
		return 0, err
	}
	parent.children = append(parent.children, child.id)
	ch := m.insert(t, child)
	m.stats.Derived++
	m.record(tid, OpDerive, child.id, parent.id, tid)
	return ch, nil
}

// Revoke removes tid's capability h and every descendant, children before
// parents, from the arena and from every table. It requires the Revoke
// right and returns the number of records removed.
func (m *Manager) Revoke(tid atom.ThreadID, h atom.Handle) (int, error) {
	_, rec, err := m.resolveWith(tid, h, Revoke)
	if err != nil {
		return 0, err
	}
	n := m.revoke(tid, rec)
	m.log.Debugf("%v revoked %v: %d record(s)", tid, rec.id, n)
	return n, nil
}

// RevokeResource revokes every capability naming res, whoever holds it. It
// is used when the kernel destroys the object itself.
func (m *Manager) RevokeResource(actor atom.ThreadID, res Resource) int {
	var roots []*record
	for i := range m.slots {
		rec := m.slots[i].rec
		if rec != nil && rec.resource.Same(res) && m.get(rec.parent) == nil {
			roots = append(roots, rec)
		}
	}
	n := 0
	for _, rec := range roots {
		// An earlier root's subtree cannot contain a later root.
		n += m.revoke(actor, rec)
	}
	return n
}

// revoke removes rec's subtree in post-order.
func (m *Manager) revoke(actor atom.ThreadID, rec *record) int {
	n := 0
	for _, cid := range append([]CapID(nil), rec.children...) {
		if child := m.get(cid); child != nil {
			n += m.revoke(actor, child)
		}
	}
	if parent := m.get(rec.parent); parent != nil {
		for i, cid := range parent.children {
			if cid == rec.id {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}
	holder := rec.holder
	if holder == atom.NoThread {
		m.stats.InFlight--
	}
	m.detach(rec)
	m.slots[rec.id.Index].rec = nil
	m.alloc.Free(rec.id.Index)
	m.stats.Live--
	m.stats.ByKind[rec.resource.Kind]--
	m.stats.Revoked++
	m.record(actor, OpRevoke, rec.id, rec.parent, holder)
	return n + 1
}

// Check returns nil if tid's table holds h with at least need.
func (m *Manager) Check(tid atom.ThreadID, h atom.Handle, need Rights) error {
	_, _, err := m.resolveWith(tid, h, need)
	return err
}

// CheckResource is Check that also requires h to name a resource of kind.
func (m *Manager) CheckResource(tid atom.ThreadID, h atom.Handle, kind Kind, need Rights) (Resource, error) {
	_, rec, err := m.resolveWith(tid, h, need)
	if err != nil {
		return Resource{}, err
	}
	if rec.resource.Kind != kind {
		m.stats.Denied++
		return Resource{}, fmt.Errorf("handle %d names a %v, not a %v: %w", h, rec.resource.Kind, kind, syserr.ErrPermissionDenied)
	}
	return rec.resource, nil
}

func (m *Manager) snapshot(rec *record) Capability {
	return Capability{
		ID:       rec.id,
		Handle:   rec.handle,
		Holder:   rec.holder,
		Resource: rec.resource,
		Rights:   rec.rights,
		Parent:   rec.parent,
		Children: append([]CapID(nil), rec.children...),
		InFlight: rec.holder == atom.NoThread,
	}
}

// Lookup returns a snapshot of tid's capability h.
func (m *Manager) Lookup(tid atom.ThreadID, h atom.Handle) (Capability, error) {
	_, rec, err := m.resolve(tid, h)
	if err != nil {
		return Capability{}, err
	}
	return m.snapshot(rec), nil
}

// Get returns a snapshot of the record id, if it is live.
func (m *Manager) Get(id CapID) (Capability, bool) {
	rec := m.get(id)
	if rec == nil {
		return Capability{}, false
	}
	return m.snapshot(rec), true
}

// List returns tid's capabilities in handle order.
func (m *Manager) List(tid atom.ThreadID) ([]Capability, error) {
	t, ok := m.tables[tid]
	if !ok {
		return nil, fmt.Errorf("%v has no capability table: %w", tid, syserr.ErrInvalidArgument)
	}
	caps := make([]Capability, 0, t.entries.Len())
	t.entries.Ascend(func(e entry) bool {
		caps = append(caps, m.snapshot(m.get(e.id)))
		return true
	})
	return caps, nil
}

// QueryParent returns the parent of tid's capability h, or NoCap for a
// root or when the parent has been revoked.
func (m *Manager) QueryParent(tid atom.ThreadID, h atom.Handle) (CapID, error) {
	_, rec, err := m.resolve(tid, h)
	if err != nil {
		return NoCap, err
	}
	if m.get(rec.parent) == nil {
		return NoCap, nil
	}
	return rec.parent, nil
}

// QueryChildren returns the live children of tid's capability h in
// derivation order.
func (m *Manager) QueryChildren(tid atom.ThreadID, h atom.Handle) ([]CapID, error) {
	_, rec, err := m.resolve(tid, h)
	if err != nil {
		return nil, err
	}
	return append([]CapID(nil), rec.children...), nil
}

// Holders returns the threads whose tables hold a capability over res with
// at least need, in ascending order.
func (m *Manager) Holders(res Resource, need Rights) []atom.ThreadID {
	seen := make(map[atom.ThreadID]bool)
	for i := range m.slots {
		rec := m.slots[i].rec
		if rec == nil || rec.holder == atom.NoThread || !rec.resource.Same(res) || !rec.rights.Has(need) {
			continue
		}
		seen[rec.holder] = true
	}
	ids := make([]atom.ThreadID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// References returns the number of live records naming res, in flight or
// not.
func (m *Manager) References(res Resource) int {
	n := 0
	for i := range m.slots {
		if rec := m.slots[i].rec; rec != nil && rec.resource.Same(res) {
			n++
		}
	}
	return n
}

// Stats returns the arena counters.
func (m *Manager) Stats() Stats {
	s := m.stats
	s.Tables = len(m.tables)
	return s
}

// AuditLog returns up to n of the most recent audit records, oldest first.
func (m *Manager) AuditLog(n int) []AuditRecord {
	return m.audit.last(n)
}
