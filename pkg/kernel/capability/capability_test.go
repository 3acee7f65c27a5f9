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
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/syserr"
)

const (
	alice = atom.ThreadID(1)
	bob   = atom.ThreadID(2)
	carol = atom.ThreadID(3)
)

var portRes = Resource{Kind: Port, ID: 7}

func newManager(t *testing.T, cfg Config, threads ...atom.ThreadID) *Manager {
	t.Helper()
	var tick uint64
	m := New(cfg, func() uint64 { tick++; return tick })
	for _, tid := range threads {
		if err := m.AddThread(tid); err != nil {
			t.Fatalf("AddThread(%v): %v", tid, err)
		}
	}
	return m
}

func mustCreate(t *testing.T, m *Manager, owner atom.ThreadID, res Resource, r Rights) atom.Handle {
	t.Helper()
	h, err := m.Create(owner, owner, res, r)
	if err != nil {
		t.Fatalf("Create(%v, %v): %v", res, r, err)
	}
	return h
}

func TestRights(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Rights
	}{
		{"read", Read},
		{"read|write", Read | Write},
		{"grant, revoke", Grant | Revoke},
		{"all", All},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseRights(tc.in)
			if err != nil {
				t.Fatalf("ParseRights(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseRights(%q): got %v, wanted %v", tc.in, got, tc.want)
			}
			back, err := ParseRights(got.String())
			if err != nil || back != got {
				t.Errorf("ParseRights(%q): got (%v, %v), wanted %v", got.String(), back, err, got)
			}
		})
	}
	if _, err := ParseRights("fly"); err == nil {
		t.Errorf("ParseRights(fly) succeeded")
	}
	if (Read | Write).Has(Grant) || !All.Has(Read|Revoke) {
		t.Errorf("Has is wrong")
	}
}

// A capability derived with {Read} cannot be used to derive {Read, Write}.
func TestDeriveCannotExpand(t *testing.T) {
	m := newManager(t, Config{}, alice)
	c1 := mustCreate(t, m, alice, portRes, Read|Write|Grant)
	c2, err := m.Derive(alice, c1, Read)
	if err != nil {
		t.Fatalf("Derive(Read): %v", err)
	}
	before := m.Stats()
	_, err = m.Derive(alice, c2, Read|Write)
	if !errors.Is(err, syserr.ErrRightsExceeded) {
		t.Errorf("Derive(Read|Write) from Read: got %v, wanted %v", err, syserr.ErrRightsExceeded)
	}
	if !errors.Is(err, syserr.ErrPermissionDenied) {
		t.Errorf("RightsExceeded is not a permission failure: %v", err)
	}
	if got := m.Stats(); got.Live != before.Live || got.Derived != before.Derived {
		t.Errorf("failed derive changed the arena: before %+v, after %+v", before, got)
	}
}

func TestDeriveSubsetTransitive(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := newManager(t, Config{MaxCapabilities: 512, MaxPerThread: 512}, alice)
	handles := []atom.Handle{mustCreate(t, m, alice, portRes, All)}
	for i := 0; i < 300; i++ {
		h := handles[rng.Intn(len(handles))]
		want := Rights(rng.Intn(int(All)) + 1)
		child, err := m.Derive(alice, h, want)
		parent, _ := m.Lookup(alice, h)
		if !parent.Rights.Has(want) {
			if !errors.Is(err, syserr.ErrRightsExceeded) {
				t.Fatalf("Derive(%v) from %v: got %v, wanted %v", want, parent.Rights, err, syserr.ErrRightsExceeded)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Derive(%v) from %v: %v", want, parent.Rights, err)
		}
		handles = append(handles, child)
	}

	caps, err := m.List(alice)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, c := range caps {
		for p := c.Parent; p.IsValid(); {
			anc, ok := m.Get(p)
			if !ok {
				t.Fatalf("%v: ancestor %v missing", c.ID, p)
			}
			if !anc.Rights.Has(c.Rights) {
				t.Errorf("%v has %v, ancestor %v only %v", c.ID, c.Rights, anc.ID, anc.Rights)
			}
			p = anc.Parent
		}
	}
}

func TestRevokeCascade(t *testing.T) {
	m := newManager(t, Config{}, alice, bob, carol)
	root := mustCreate(t, m, alice, portRes, All)
	mid, err := m.Derive(alice, root, Read|Write|Grant)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	bobH, err := m.Transfer(alice, mid, bob, atom.TransferGrant, Read|Grant)
	if err != nil {
		t.Fatalf("Transfer grant: %v", err)
	}
	carolH, err := m.Transfer(bob, bobH, carol, atom.TransferMove, 0)
	if err != nil {
		t.Fatalf("Transfer move: %v", err)
	}
	other := mustCreate(t, m, alice, Resource{Kind: Port, ID: 8}, All)

	n, err := m.Revoke(alice, root)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if n != 3 {
		t.Errorf("Revoke removed %d records, wanted 3", n)
	}
	for _, c := range []struct {
		tid atom.ThreadID
		h   atom.Handle
	}{{alice, root}, {alice, mid}, {bob, bobH}, {carol, carolH}} {
		if err := m.Check(c.tid, c.h, Read); !errors.Is(err, syserr.ErrPermissionDenied) {
			t.Errorf("Check(%v, %d) after revoke: got %v, wanted %v", c.tid, c.h, err, syserr.ErrPermissionDenied)
		}
	}
	if err := m.Check(alice, other, All); err != nil {
		t.Errorf("unrelated capability affected: %v", err)
	}
	if got := m.References(portRes); got != 0 {
		t.Errorf("References after revoke: got %d, wanted 0", got)
	}

	// One record per removed entry, descendants first.
	var revoked []Op
	var order []atom.ThreadID
	for _, r := range m.AuditLog(0) {
		if r.Op == OpRevoke {
			revoked = append(revoked, r.Op)
			order = append(order, r.Target)
		}
	}
	if len(revoked) != 3 {
		t.Fatalf("got %d revoke records, wanted 3", len(revoked))
	}
	if diff := cmp.Diff([]atom.ThreadID{carol, alice, alice}, order); diff != "" {
		t.Errorf("revoke order mismatch (-want +got):\n%s", diff)
	}
}

func TestRevokeRequiresRight(t *testing.T) {
	m := newManager(t, Config{}, alice)
	h := mustCreate(t, m, alice, portRes, Read|Write)
	if _, err := m.Revoke(alice, h); !errors.Is(err, syserr.ErrPermissionDenied) {
		t.Errorf("Revoke without right: got %v, wanted %v", err, syserr.ErrPermissionDenied)
	}
	if err := m.Check(alice, h, Read); err != nil {
		t.Errorf("capability gone after refused revoke: %v", err)
	}
}

func TestStaleIDsNeverResolve(t *testing.T) {
	m := newManager(t, Config{MaxCapabilities: 1}, alice)
	h := mustCreate(t, m, alice, portRes, All)
	c, _ := m.Lookup(alice, h)
	if _, err := m.Revoke(alice, h); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	h2 := mustCreate(t, m, alice, portRes, All)
	c2, _ := m.Lookup(alice, h2)
	if c2.ID.Index != c.ID.Index {
		t.Fatalf("slot not reused: %v then %v", c.ID, c2.ID)
	}
	if _, ok := m.Get(c.ID); ok {
		t.Errorf("stale %v resolves to a new record", c.ID)
	}
	if h2 == h {
		t.Errorf("handle %d reused", h)
	}
	if _, err := m.Create(alice, alice, portRes, Read); !errors.Is(err, syserr.ErrOutOfCapacity) {
		t.Errorf("Create on a full arena: got %v, wanted %v", err, syserr.ErrOutOfCapacity)
	}
	if err := m.CheckArena(1); !errors.Is(err, syserr.ErrOutOfCapacity) {
		t.Errorf("CheckArena(1) on a full arena: got %v, wanted %v", err, syserr.ErrOutOfCapacity)
	}
	if err := m.CheckArena(0); err != nil {
		t.Errorf("CheckArena(0): %v", err)
	}
}

func TestTransfer(t *testing.T) {
	m := newManager(t, Config{}, alice, bob)
	h := mustCreate(t, m, alice, portRes, Read|Write|Grant)

	gh, err := m.Transfer(alice, h, bob, atom.TransferGrant, Write)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := m.Check(alice, h, Read|Write|Grant); err != nil {
		t.Errorf("sender lost its capability on grant: %v", err)
	}
	got, _ := m.Lookup(bob, gh)
	orig, _ := m.Lookup(alice, h)
	if got.Rights != Write || got.Parent != orig.ID {
		t.Errorf("granted capability: got %+v", got)
	}

	mh, err := m.Transfer(alice, h, bob, atom.TransferMove, 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := m.Check(alice, h, Read); !errors.Is(err, syserr.ErrPermissionDenied) {
		t.Errorf("sender kept its capability on move: %v", err)
	}
	moved, _ := m.Lookup(bob, mh)
	if moved.ID != orig.ID || moved.Rights != orig.Rights {
		t.Errorf("moved capability: got %+v, wanted %+v", moved, orig)
	}
	if diff := cmp.Diff([]CapID{got.ID}, moved.Children); diff != "" {
		t.Errorf("children mismatch after move (-want +got):\n%s", diff)
	}
}

func TestTransferFailures(t *testing.T) {
	m := newManager(t, Config{MaxPerThread: 1}, alice, bob, carol)
	noGrant := mustCreate(t, m, alice, portRes, Read|Write)
	full := mustCreate(t, m, carol, portRes, All)
	_ = full
	bobOnly := mustCreate(t, m, bob, portRes, Read|Grant)

	for _, tc := range []struct {
		name   string
		from   atom.ThreadID
		h      atom.Handle
		to     atom.ThreadID
		mode   atom.TransferMode
		rights Rights
		want   error
	}{
		{"no grant right", alice, noGrant, bob, atom.TransferMove, 0, syserr.ErrPermissionDenied},
		{"unknown handle", alice, 99, bob, atom.TransferMove, 0, syserr.ErrPermissionDenied},
		{"rights exceeded", bob, bobOnly, alice, atom.TransferGrant, Write, syserr.ErrRightsExceeded},
		{"no such thread", bob, bobOnly, 42, atom.TransferMove, 0, syserr.ErrInvalidArgument},
		{"bad mode", bob, bobOnly, alice, atom.TransferNone, 0, syserr.ErrInvalidArgument},
		{"table full", bob, bobOnly, carol, atom.TransferGrant, Read, syserr.ErrOutOfCapacity},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before, _ := m.List(bob)
			beforeStats := m.Stats()
			beforeAudit := m.AuditLog(0)
			_, err := m.Transfer(tc.from, tc.h, tc.to, tc.mode, tc.rights)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Transfer: got %v, wanted %v", err, tc.want)
			}
			after, _ := m.List(bob)
			if diff := cmp.Diff(before, after); diff != "" {
				t.Errorf("table changed (-before +after):\n%s", diff)
			}
			if diff := cmp.Diff(beforeStats, m.Stats(), cmpopts.IgnoreFields(Stats{}, "Denied")); diff != "" {
				t.Errorf("stats changed (-before +after):\n%s", diff)
			}
			if diff := cmp.Diff(beforeAudit, m.AuditLog(0)); diff != "" {
				t.Errorf("audit changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestInFlight(t *testing.T) {
	m := newManager(t, Config{}, alice, bob)
	root := mustCreate(t, m, alice, portRes, All)
	child, err := m.Derive(alice, root, Read|Grant)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	t.Run("move then deliver", func(t *testing.T) {
		id, err := m.Detach(alice, child)
		if err != nil {
			t.Fatalf("Detach: %v", err)
		}
		if err := m.Check(alice, child, Read); !errors.Is(err, syserr.ErrPermissionDenied) {
			t.Errorf("detached handle still usable: %v", err)
		}
		if got := m.Stats().InFlight; got != 1 {
			t.Errorf("InFlight: got %d, wanted 1", got)
		}
		h, err := m.Attach(alice, id, bob)
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		if err := m.Check(bob, h, Read|Grant); err != nil {
			t.Errorf("delivered capability: %v", err)
		}
		if _, err := m.Attach(alice, id, bob); !errors.Is(err, syserr.ErrPermissionDenied) {
			t.Errorf("second Attach: got %v, wanted %v", err, syserr.ErrPermissionDenied)
		}
	})

	t.Run("revoke wins", func(t *testing.T) {
		id, err := m.DeriveInFlight(alice, root, Read)
		if err != nil {
			t.Fatalf("DeriveInFlight: %v", err)
		}
		if _, err := m.Revoke(alice, root); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		if _, err := m.Attach(alice, id, bob); !errors.Is(err, syserr.ErrPermissionDenied) {
			t.Errorf("Attach after revoke: got %v, wanted %v", err, syserr.ErrPermissionDenied)
		}
		if got := m.Stats(); got.Live != 0 || got.InFlight != 0 {
			t.Errorf("stats after revoke: %+v", got)
		}
	})

	t.Run("discard", func(t *testing.T) {
		h := mustCreate(t, m, alice, portRes, Read|Grant)
		id, err := m.Detach(alice, h)
		if err != nil {
			t.Fatalf("Detach: %v", err)
		}
		m.Discard(alice, id)
		if _, ok := m.Get(id); ok {
			t.Errorf("discarded %v still live", id)
		}
		m.Discard(alice, id)
		if got := m.Stats().InFlight; got != 0 {
			t.Errorf("InFlight: got %d, wanted 0", got)
		}
	})
}

func TestQueries(t *testing.T) {
	m := newManager(t, Config{}, alice, bob)
	root := mustCreate(t, m, alice, portRes, All)
	a, _ := m.Derive(alice, root, Read)
	b, _ := m.Derive(alice, root, Write)
	rootCap, _ := m.Lookup(alice, root)
	aCap, _ := m.Lookup(alice, a)
	bCap, _ := m.Lookup(alice, b)

	if p, err := m.QueryParent(alice, a); err != nil || p != rootCap.ID {
		t.Errorf("QueryParent: got (%v, %v), wanted %v", p, err, rootCap.ID)
	}
	if p, err := m.QueryParent(alice, root); err != nil || p != NoCap {
		t.Errorf("QueryParent(root): got (%v, %v)", p, err)
	}
	kids, err := m.QueryChildren(alice, root)
	if err != nil {
		t.Fatalf("QueryChildren: %v", err)
	}
	if diff := cmp.Diff([]CapID{aCap.ID, bCap.ID}, kids); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	caps, _ := m.List(alice)
	var handles []atom.Handle
	for _, c := range caps {
		handles = append(handles, c.Handle)
	}
	if diff := cmp.Diff([]atom.Handle{root, a, b}, handles); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.QueryParent(bob, a); !errors.Is(err, syserr.ErrPermissionDenied) {
		t.Errorf("QueryParent through a foreign handle: got %v", err)
	}

	if _, err := m.Transfer(alice, root, bob, atom.TransferGrant, Write); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if diff := cmp.Diff([]atom.ThreadID{alice, bob}, m.Holders(portRes, Write)); diff != "" {
		t.Errorf("Holders(Write) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]atom.ThreadID{alice}, m.Holders(portRes, Revoke)); diff != "" {
		t.Errorf("Holders(Revoke) mismatch (-want +got):\n%s", diff)
	}
	if got := m.References(portRes); got != 4 {
		t.Errorf("References: got %d, wanted 4", got)
	}
	if got := m.Stats().ByKind[Port]; got != 4 {
		t.Errorf("ByKind[Port]: got %d, wanted 4", got)
	}
}

func TestCheckResource(t *testing.T) {
	m := newManager(t, Config{}, alice)
	h := mustCreate(t, m, alice, Resource{Kind: Thread, ID: 2}, Read)
	if _, err := m.CheckResource(alice, h, Port, Read); !errors.Is(err, syserr.ErrPermissionDenied) {
		t.Errorf("CheckResource with wrong kind: got %v", err)
	}
	res, err := m.CheckResource(alice, h, Thread, Read)
	if err != nil || res.ID != 2 {
		t.Errorf("CheckResource: got (%v, %v)", res, err)
	}
}

func TestRevokeResourceAndDropTable(t *testing.T) {
	m := newManager(t, Config{}, alice, bob)
	h := mustCreate(t, m, alice, portRes, All)
	if _, err := m.Transfer(alice, h, bob, atom.TransferGrant, Read); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if _, err := m.Create(alice, bob, portRes, Write); err != nil {
		t.Fatalf("Create: %v", err)
	}
	keep := mustCreate(t, m, bob, Resource{Kind: Device, ID: 1}, Read)
	if n := m.RevokeResource(alice, portRes); n != 3 {
		t.Errorf("RevokeResource: got %d, wanted 3", n)
	}
	if n := m.DropTable(bob); n != 1 {
		t.Errorf("DropTable: got %d, wanted 1", n)
	}
	if m.HasThread(bob) {
		t.Errorf("table still present after DropTable")
	}
	if _, ok := m.Get(CapID{}); ok {
		t.Errorf("zero CapID resolves")
	}
	_ = keep
	if got := m.Stats().Live; got != 0 {
		t.Errorf("Live: got %d, wanted 0", got)
	}
}

func TestAuditRingOverwrites(t *testing.T) {
	m := newManager(t, Config{AuditCapacity: 3, MaxPerThread: 10}, alice)
	for i := 0; i < 5; i++ {
		mustCreate(t, m, alice, Resource{Kind: Port, ID: uint64(i)}, Read)
	}
	var seqs, ticks []uint64
	for _, r := range m.AuditLog(0) {
		seqs = append(seqs, r.Seq)
		ticks = append(ticks, r.Tick)
	}
	if diff := cmp.Diff([]uint64{3, 4, 5}, seqs); diff != "" {
		t.Errorf("retained records mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{3, 4, 5}, ticks); diff != "" {
		t.Errorf("ticks mismatch (-want +got):\n%s", diff)
	}
	if got := m.AuditLog(1); len(got) != 1 || got[0].Seq != 5 {
		t.Errorf("AuditLog(1): got %v", got)
	}
}
