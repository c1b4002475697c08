// parlor/database/overlays_test.go
package database

import (
	"errors"
	"reflect"
	"testing"

	"parlor/models"
)

func TestReactions(t *testing.T) {
	ds := setupTestDB(t)
	msg := mustPost(t, ds, "alice", "react to me")

	if err := ds.React(msg.ID, "👍", "bob"); err != nil {
		t.Fatalf("React failed: %v", err)
	}
	if err := ds.React(msg.ID, "👍", "carol"); err != nil {
		t.Fatalf("React failed: %v", err)
	}
	// Same user, same emoji: a no-op, not a duplicate.
	if err := ds.React(msg.ID, "👍", "bob"); err != nil {
		t.Fatalf("repeat React failed: %v", err)
	}

	views, err := ds.GetLog(0)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("log length = %d, want 1", len(views))
	}
	if want := []string{"bob", "carol"}; !reflect.DeepEqual(views[0].Reactions["👍"], want) {
		t.Errorf("reactions = %v, want %v", views[0].Reactions["👍"], want)
	}

	if err := ds.Unreact(msg.ID, "👍", "bob"); err != nil {
		t.Fatalf("Unreact failed: %v", err)
	}
	// Removing a reaction that is not there is fine.
	if err := ds.Unreact(msg.ID, "🔥", "bob"); err != nil {
		t.Fatalf("Unreact of absent reaction failed: %v", err)
	}

	views, err = ds.GetLog(0)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if want := []string{"carol"}; !reflect.DeepEqual(views[0].Reactions["👍"], want) {
		t.Errorf("reactions after unreact = %v, want %v", views[0].Reactions["👍"], want)
	}

	if err := ds.React(9999, "👍", "bob"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestPins(t *testing.T) {
	ds := setupTestDB(t)
	first := mustPost(t, ds, "alice", "pin me")
	second := mustPost(t, ds, "bob", "pin me too")
	mustPost(t, ds, "carol", "not pinned")

	if err := ds.Pin(second.ID); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if err := ds.Pin(first.ID); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if err := ds.Pin(first.ID); err != nil {
		t.Fatalf("repeat Pin failed: %v", err)
	}

	pinned, err := ds.GetPinned()
	if err != nil {
		t.Fatalf("GetPinned failed: %v", err)
	}
	if len(pinned) != 2 {
		t.Fatalf("pinned count = %d, want 2", len(pinned))
	}
	// Pin order does not matter; listing follows log order.
	if pinned[0].ID != first.ID || pinned[1].ID != second.ID {
		t.Errorf("pinned ids = %d, %d; want %d, %d", pinned[0].ID, pinned[1].ID, first.ID, second.ID)
	}

	if err := ds.Unpin(first.ID); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	pinned, err = ds.GetPinned()
	if err != nil {
		t.Fatalf("GetPinned failed: %v", err)
	}
	if len(pinned) != 1 || pinned[0].ID != second.ID {
		t.Errorf("unexpected pin set after unpin: %+v", pinned)
	}

	if err := ds.Pin(9999); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadReceipts(t *testing.T) {
	ds := setupTestDB(t)
	msg := mustPost(t, ds, "alice", "read me")

	if err := ds.MarkRead(msg.ID, "bob"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := ds.MarkRead(msg.ID, "bob"); err != nil {
		t.Fatalf("repeat MarkRead failed: %v", err)
	}
	if err := ds.MarkRead(msg.ID, "carol"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	views, err := ds.GetLog(0)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if len(views[0].ReadBy) != 2 {
		t.Errorf("readBy = %v, want 2 entries", views[0].ReadBy)
	}

	if err := ds.MarkRead(9999, "bob"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOverlaysSurviveTombstone(t *testing.T) {
	ds := setupTestDB(t)
	msg := mustPost(t, ds, "alice", "short-lived")

	if err := ds.React(msg.ID, "💀", "bob"); err != nil {
		t.Fatalf("React failed: %v", err)
	}
	if err := ds.Pin(msg.ID); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if err := ds.TombstoneMessage(msg.ID, "alice", false); err != nil {
		t.Fatalf("TombstoneMessage failed: %v", err)
	}

	// Annotations attach to the identity, not the content: they survive
	// the delete and stay addressable.
	if err := ds.React(msg.ID, "🪦", "carol"); err != nil {
		t.Errorf("reacting to a tombstone should work: %v", err)
	}

	views, err := ds.GetLog(0)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	v := views[0]
	if !v.Deleted {
		t.Error("message should read as tombstoned")
	}
	if len(v.Reactions["💀"]) != 1 || len(v.Reactions["🪦"]) != 1 {
		t.Errorf("reactions should survive the tombstone: %v", v.Reactions)
	}
	if !v.Pinned {
		t.Error("pin should survive the tombstone")
	}

	pinned, err := ds.GetPinned()
	if err != nil {
		t.Fatalf("GetPinned failed: %v", err)
	}
	if len(pinned) != 1 || !pinned[0].Deleted {
		t.Errorf("tombstoned message should still list as pinned: %+v", pinned)
	}
}

func TestGetLogSince(t *testing.T) {
	ds := setupTestDB(t)
	mustPost(t, ds, "alice", "one")
	second := mustPost(t, ds, "alice", "two")
	third := mustPost(t, ds, "alice", "three")

	views, err := ds.GetLog(second.ID)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if len(views) != 1 || views[0].ID != third.ID {
		t.Errorf("GetLog(since) = %+v, want only id %d", views, third.ID)
	}
}
