package ybts_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/security-geeks/evilbts/internal/ybts"
)

func TestRegistryMapIdempotent(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(0, 8, discardLogger())
	id1, err := reg.Map("sub-a")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	id2, err := reg.Map("sub-a")
	if err != nil {
		t.Fatalf("Map again: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Map not idempotent: %d then %d", id1, id2)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
}

func TestRegistryProbeAfterLast(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(0, 4, discardLogger())
	var ids []uint16
	for i := range 4 {
		id, err := reg.Map(i)
		if err != nil {
			t.Fatalf("Map(%d): %v", i, err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		if id != uint16(i) {
			t.Errorf("id[%d] = %d, want %d", i, id, i)
		}
	}

	// Free slot 1; the next allocation wraps past 3 and lands on it.
	if _, ok := reg.Unmap(1); !ok {
		t.Fatal("Unmap(1) found nothing")
	}
	id, err := reg.Map("late")
	if err != nil {
		t.Fatalf("Map after wrap: %v", err)
	}
	if id != 1 {
		t.Errorf("wrapped id = %d, want 1", id)
	}
}

// TestRegistryTableFull checks that a full table refuses new sessions and
// creates no record.
func TestRegistryTableFull(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(0, 2, discardLogger())
	for i := range 2 {
		if _, err := reg.Map(i); err != nil {
			t.Fatalf("Map(%d): %v", i, err)
		}
	}
	_, err := reg.Map("overflow")
	if !errors.Is(err, ybts.ErrTableFull) {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
	if _, ok := reg.FindRef("overflow"); ok {
		t.Error("overflow session has a record")
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}
}

func TestRegistryClaim(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(0, 16, discardLogger())
	if err := reg.Claim(9, "peer-chosen"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := reg.Claim(9, "other"); !errors.Is(err, ybts.ErrSlotBusy) {
		t.Errorf("second Claim err = %v, want ErrSlotBusy", err)
	}
	if err := reg.Claim(16, "x"); !errors.Is(err, ybts.ErrIDOutOfRange) {
		t.Errorf("out of range err = %v, want ErrIDOutOfRange", err)
	}
	info, ok := reg.Find(9)
	if !ok || info.SessionRef != "peer-chosen" {
		t.Errorf("Find(9) = %+v/%v", info, ok)
	}
	if !info.TrafficReady {
		t.Error("new record not traffic ready")
	}
}

func TestRegistryRemapAndAux(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(0, 8, discardLogger())
	id, _ := reg.Map("chan-1")

	if err := reg.Remap(id, "chan-2"); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if _, ok := reg.FindRef("chan-1"); ok {
		t.Error("old ref still mapped after Remap")
	}
	if info, ok := reg.FindRef("chan-2"); !ok || info.ID != id {
		t.Errorf("FindRef(chan-2) = %+v/%v, want id %d", info, ok, id)
	}

	if err := reg.SetAuxRef(id, uint8(42)); err != nil {
		t.Fatalf("SetAuxRef: %v", err)
	}
	if info, ok := reg.FindByAuxRef(uint8(42)); !ok || info.ID != id {
		t.Errorf("FindByAuxRef = %+v/%v", info, ok)
	}
	if _, ok := reg.FindByAuxRef(uint8(43)); ok {
		t.Error("FindByAuxRef matched a different reference")
	}

	if gotID, ok := reg.UnmapRef("chan-2"); !ok || gotID != id {
		t.Errorf("UnmapRef = %d/%v", gotID, ok)
	}
	if err := reg.Remap(id, "chan-3"); !errors.Is(err, ybts.ErrConnGone) {
		t.Errorf("Remap after unmap err = %v, want ErrConnGone", err)
	}
}

func TestRegistryBase(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(100, 4, discardLogger())
	id, err := reg.Map("x")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if id < 100 || id >= 104 {
		t.Errorf("id %d outside [100,104)", id)
	}
	if reg.Contains(99) || !reg.Contains(103) || reg.Contains(104) {
		t.Error("Contains disagrees with range")
	}
}

// TestRegistryIDUniqueness runs random concurrent map/unmap churn and
// checks that no two live records ever share an id or a session.
func TestRegistryIDUniqueness(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(0, 32, discardLogger())

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for i := range 500 {
				ref := fmt.Sprintf("w%d-%d", w, rng.IntN(16))
				if rng.IntN(3) == 0 {
					reg.UnmapRef(ref)
					continue
				}
				if _, err := reg.Map(ref); err != nil && !errors.Is(err, ybts.ErrTableFull) {
					t.Errorf("Map %d: %v", i, err)
				}
			}
		}()
	}
	wg.Wait()

	seenID := map[uint16]bool{}
	seenRef := map[ybts.SessionRef]bool{}
	for _, info := range reg.Snapshot() {
		if info.Removed {
			continue
		}
		if seenID[info.ID] {
			t.Errorf("id %d appears twice", info.ID)
		}
		if seenRef[info.SessionRef] {
			t.Errorf("session %v mapped twice", info.SessionRef)
		}
		seenID[info.ID] = true
		seenRef[info.SessionRef] = true
	}
	if len(seenID) != reg.Len() {
		t.Errorf("snapshot has %d live records, Len = %d", len(seenID), reg.Len())
	}
}

func TestRegistryPurge(t *testing.T) {
	t.Parallel()

	reg := ybts.NewRegistry(0, 4, discardLogger())
	for i := range 3 {
		_, _ = reg.Map(i)
	}
	if n := reg.Purge(); n != 3 {
		t.Errorf("Purge = %d, want 3", n)
	}
	if reg.Len() != 0 || len(reg.Snapshot()) != 0 {
		t.Error("records survive Purge")
	}
}
