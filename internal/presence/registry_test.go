package presence

import (
	"testing"
	"time"
)

func TestUpsertFullReplace(t *testing.T) {
	reg := NewRegistry()

	reg.Upsert("alice", Position{Latitude: 1, Longitude: 2, Speed: 3})
	reg.Upsert("alice", Position{Latitude: 5})

	rec, ok := reg.Get("alice")
	if !ok {
		t.Fatalf("Get(alice): missing record")
	}
	if rec.Latitude != 5 || rec.Longitude != 0 || rec.Speed != 0 {
		t.Fatalf("record = %+v, want latitude=5 longitude=0 speed=0", rec)
	}
}

func TestUpsertRefreshesLastUpdate(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	reg := newRegistry(func() time.Time { return now })

	first := reg.Upsert("alice", Position{Latitude: 1})
	if !first.LastUpdate.Equal(t0) {
		t.Fatalf("LastUpdate = %v, want %v", first.LastUpdate, t0)
	}

	now = t0.Add(30 * time.Second)
	second := reg.Upsert("alice", Position{Latitude: 2})
	if !second.LastUpdate.Equal(now) {
		t.Fatalf("LastUpdate = %v, want %v", second.LastUpdate, now)
	}
}

func TestUpsertKeepsOneRecordPerUsername(t *testing.T) {
	reg := NewRegistry()

	reg.Upsert("alice", Position{Latitude: 1})
	reg.Upsert("alice", Position{Latitude: 2})
	reg.Upsert("bob", Position{Latitude: 3})

	if got := len(reg.List()); got != 2 {
		t.Fatalf("len(List()) = %d, want 2", got)
	}
}

func TestListSortedByUsername(t *testing.T) {
	reg := NewRegistry()

	reg.Upsert("carol", Position{})
	reg.Upsert("alice", Position{})
	reg.Upsert("bob", Position{})

	list := reg.List()
	want := []string{"alice", "bob", "carol"}
	if len(list) != len(want) {
		t.Fatalf("len(List()) = %d, want %d", len(list), len(want))
	}
	for i, name := range want {
		if list[i].Username != name {
			t.Fatalf("List()[%d].Username = %q, want %q", i, list[i].Username, name)
		}
	}
}

func TestRemove(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("alice", Position{Latitude: 1})

	if !reg.Remove("alice") {
		t.Fatalf("Remove(alice) = false, want true")
	}
	if _, ok := reg.Get("alice"); ok {
		t.Fatalf("Get(alice) found a record after Remove")
	}
	if reg.Remove("alice") {
		t.Fatalf("second Remove(alice) = true, want false")
	}
}

func TestRemoveMissingDoesNotAlterList(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert("alice", Position{Latitude: 1})

	if reg.Remove("nobody") {
		t.Fatalf("Remove(nobody) = true, want false")
	}
	list := reg.List()
	if len(list) != 1 || list[0].Username != "alice" {
		t.Fatalf("List() = %+v, want the single alice record", list)
	}
}

func TestGetMissing(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Get("nobody"); ok {
		t.Fatalf("Get(nobody) reported a record in an empty registry")
	}
}
