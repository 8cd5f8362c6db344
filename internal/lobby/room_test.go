package lobby

import (
	"testing"

	"github.com/observer/coordinator/internal/coord"
)

func TestRoomInsertAndSnapshot(t *testing.T) {
	r := newRoom(coord.RoomHandle{NicheID: "n1", ChannelID: "c1"})
	r.mu.Lock()
	r.insertLocked("conn-1", coord.Role("speaker"), "alice", 100)
	r.insertLocked("conn-2", coord.Role("listener"), "alice", 100)
	r.insertLocked("conn-3", coord.Role("listener"), "bob", 100)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if len(snap.Users["alice"]) != 2 {
		t.Errorf("alice has %d connections, want 2 (per-user grouping)", len(snap.Users["alice"]))
	}
	if len(snap.Users["bob"]) != 1 {
		t.Errorf("bob has %d connections, want 1", len(snap.Users["bob"]))
	}
}

func TestRoomRemoveAndEmpty(t *testing.T) {
	r := newRoom(coord.RoomHandle{NicheID: "n1", ChannelID: "c1"})
	r.mu.Lock()
	r.insertLocked("conn-1", coord.Role("speaker"), "alice", 0)
	if r.isEmptyLocked() {
		t.Fatal("room reports empty with one member")
	}
	r.removeLocked("conn-1")
	if !r.isEmptyLocked() {
		t.Fatal("room does not report empty after removing its only member")
	}
	r.mu.Unlock()
}

func TestRoomMembersExceptExcludesSender(t *testing.T) {
	r := newRoom(coord.RoomHandle{NicheID: "n1", ChannelID: "c1"})
	r.mu.Lock()
	r.insertLocked("conn-1", coord.Role("speaker"), "alice", 0)
	r.insertLocked("conn-2", coord.Role("listener"), "bob", 0)
	r.mu.Unlock()

	others := r.membersExcept("conn-1")
	if len(others) != 1 || others[0] != "conn-2" {
		t.Errorf("membersExcept(conn-1) = %v, want [conn-2]", others)
	}
}
