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

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/syserr"
)

// CheckTransfer validates a transfer of from's capability h without
// changing anything. Both modes require the Grant right; a Grant must ask
// for a subset of the capability's rights, where zero means all of them.
func (m *Manager) CheckTransfer(from atom.ThreadID, h atom.Handle, mode atom.TransferMode, rights Rights) error {
	_, rec, err := m.resolveWith(from, h, Grant)
	if err != nil {
		return err
	}
	switch mode {
	case atom.TransferMove:
		return nil
	case atom.TransferGrant:
		if rights == 0 {
			return nil
		}
		if rights&^All != 0 {
			return fmt.Errorf("grant %v: %w", rights, syserr.ErrInvalidArgument)
		}
		if !rec.rights.Has(rights) {
			m.stats.Denied++
			return fmt.Errorf("grant %v from %v: %w", rights, rec.rights, syserr.ErrRightsExceeded)
		}
		return nil
	default:
		return fmt.Errorf("transfer mode %v: %w", mode, syserr.ErrInvalidArgument)
	}
}

// Transfer hands from's capability h to to. Move removes the entry from
// from's table and inserts it into to's; Grant derives a child with rights
// (zero means the same rights) into to's table and from keeps the
// original. It returns the handle in to's table.
func (m *Manager) Transfer(from atom.ThreadID, h atom.Handle, to atom.ThreadID, mode atom.TransferMode, rights Rights) (atom.Handle, error) {
	if err := m.CheckTransfer(from, h, mode, rights); err != nil {
		return 0, err
	}
	dst, ok := m.tables[to]
	if !ok {
		return 0, fmt.Errorf("%v has no capability table: %w", to, syserr.ErrInvalidArgument)
	}
	if err := m.canInsert(dst); err != nil {
		return 0, err
	}
	_, rec, _ := m.resolve(from, h)
	switch mode {
	case atom.TransferMove:
		m.detach(rec)
		nh := m.insert(dst, rec)
		m.stats.Transferred++
		m.record(from, OpMove, rec.id, rec.parent, to)
		return nh, nil
	default:
		child, err := m.deriveDetached(rec, rights)
		if err != nil {
			return 0, err
		}
		nh := m.insert(dst, child)
		m.stats.Transferred++
		m.record(from, OpGrant, child.id, rec.id, to)
		return nh, nil
	}
}

func (m *Manager) deriveDetached(parent *record, rights Rights) (*record, error) {
	if rights == 0 {
		rights = parent.rights
	}
	child, err := m.allocate(parent.resource, rights, parent.id)
	if err != nil {
		return nil, err
	}
	parent.children = append(parent.children, child.id)
	return child, nil
}

// Detach starts a Move for IPC: h leaves from's table and its record stays
// in the arena, held by no table, until Attach or Discard.
func (m *Manager) Detach(from atom.ThreadID, h atom.Handle) (CapID, error) {
	if err := m.CheckTransfer(from, h, atom.TransferMove, 0); err != nil {
		return NoCap, err
	}
	_, rec, _ := m.resolve(from, h)
	m.detach(rec)
	m.stats.InFlight++
	m.record(from, OpMove, rec.id, rec.parent, atom.NoThread)
	return rec.id, nil
}

// DeriveInFlight starts a Grant for IPC: a child of from's capability h is
// derived with rights and held by no table until Attach or Discard.
func (m *Manager) DeriveInFlight(from atom.ThreadID, h atom.Handle, rights Rights) (CapID, error) {
	if err := m.CheckTransfer(from, h, atom.TransferGrant, rights); err != nil {
		return NoCap, err
	}
	_, rec, _ := m.resolve(from, h)
	child, err := m.deriveDetached(rec, rights)
	if err != nil {
		return NoCap, err
	}
	m.stats.InFlight++
	m.record(from, OpGrant, child.id, rec.id, atom.NoThread)
	return child.id, nil
}

// CheckArena fails with ErrOutOfCapacity unless n more records fit in the
// arena.
func (m *Manager) CheckArena(n int) error {
	if free := m.alloc.Capacity() - m.alloc.Len(); n > free {
		return fmt.Errorf("capability arena has %d free slots, need %d: %w", free, n, syserr.ErrOutOfCapacity)
	}
	return nil
}

// Attach delivers the in-flight record id into to's table. A record
// revoked while in flight is gone: Attach fails with ErrPermissionDenied.
func (m *Manager) Attach(actor atom.ThreadID, id CapID, to atom.ThreadID) (atom.Handle, error) {
	rec := m.get(id)
	if rec == nil || rec.holder != atom.NoThread {
		return 0, fmt.Errorf("%v is not in flight: %w", id, syserr.ErrPermissionDenied)
	}
	dst, ok := m.tables[to]
	if !ok {
		return 0, fmt.Errorf("%v has no capability table: %w", to, syserr.ErrInvalidArgument)
	}
	if err := m.canInsert(dst); err != nil {
		return 0, err
	}
	h := m.insert(dst, rec)
	m.stats.InFlight--
	m.stats.Transferred++
	m.record(actor, OpDeliver, rec.id, rec.parent, to)
	return h, nil
}

// Discard revokes an in-flight record that will not be delivered. It is a
// no-op for a record that is already gone.
func (m *Manager) Discard(actor atom.ThreadID, id CapID) {
	rec := m.get(id)
	if rec == nil || rec.holder != atom.NoThread {
		return
	}
	m.revoke(actor, rec)
}
