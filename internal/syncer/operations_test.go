package syncer

import (
	"testing"
	"time"

	"keeper/internal/identity"
	"keeper/internal/models"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func localEvent(id string, hour int) models.SyncableEvent {
	start := day.Add(time.Duration(hour) * time.Hour)
	return models.SyncableEvent{ID: id, SourceID: "s1", Summary: "Busy", StartTime: start, EndTime: start.Add(30 * time.Minute)}
}

func remoteOf(userID string, e models.SyncableEvent) models.RemoteEvent {
	uid := identity.GenerateUID(userID, e)
	return models.RemoteEvent{UID: uid, DeleteID: uid, StartTime: e.StartTime, EndTime: e.EndTime}
}

func mappingOf(userID string, e models.SyncableEvent) models.EventMapping {
	uid := identity.GenerateUID(userID, e)
	return models.EventMapping{EventStateID: e.ID, DestinationID: "d1", DestinationEventUID: uid, DeleteIdentifier: uid, StartTime: e.StartTime, EndTime: e.EndTime}
}

func TestComputeOperationsSteadyState(t *testing.T) {
	local := []models.SyncableEvent{localEvent("e1", 9), localEvent("e2", 11)}
	remote := []models.RemoteEvent{remoteOf("u1", local[0]), remoteOf("u1", local[1])}
	mappings := []models.EventMapping{mappingOf("u1", local[0]), mappingOf("u1", local[1])}

	if ops := ComputeOperations("u1", local, mappings, remote); len(ops) != 0 {
		t.Fatalf("expected no operations with mappings, got %+v", ops)
	}
	if ops := ComputeOperations("u1", local, nil, remote); len(ops) != 0 {
		t.Fatalf("expected no operations when remote uids match local events, got %+v", ops)
	}
	if ops := ComputeOperations("u1", nil, nil, nil); len(ops) != 0 {
		t.Fatalf("expected no operations for empty input, got %+v", ops)
	}
}

func TestComputeOperationsAddsUnmappedEvent(t *testing.T) {
	e1 := models.SyncableEvent{ID: "e1", SourceID: "s1", StartTime: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), EndTime: time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)}
	ops := ComputeOperations("u1", []models.SyncableEvent{e1}, nil, nil)
	if len(ops) != 1 || ops[0].Kind != models.OperationAdd || ops[0].Event.ID != "e1" {
		t.Fatalf("expected [Add(e1)], got %+v", ops)
	}
}

func TestComputeOperationsRemovesStaleMapping(t *testing.T) {
	e1 := localEvent("e1", 9)
	m := mappingOf("u1", e1)
	m.DeleteIdentifier = "native-id"

	ops := ComputeOperations("u1", nil, []models.EventMapping{m}, []models.RemoteEvent{remoteOf("u1", e1)})
	if len(ops) != 1 {
		t.Fatalf("expected a single remove, got %+v", ops)
	}
	op := ops[0]
	if op.Kind != models.OperationRemove || op.UID != m.DestinationEventUID || op.DeleteID != "native-id" || !op.StartTime.Equal(e1.StartTime) {
		t.Fatalf("expected remove built from the mapping, got %+v", op)
	}
}

func TestComputeOperationsRemovesOrphans(t *testing.T) {
	orphan := models.RemoteEvent{UID: "u1-orphanhash00000@keeper.sh", DeleteID: "/cal/orphan.ics", StartTime: day.Add(8 * time.Hour)}
	ops := ComputeOperations("u1", nil, nil, []models.RemoteEvent{orphan})
	if len(ops) != 1 || ops[0].Kind != models.OperationRemove || ops[0].DeleteID != "/cal/orphan.ics" {
		t.Fatalf("expected orphan removal, got %+v", ops)
	}
}

func TestComputeOperationsFallsBackToUIDForDelete(t *testing.T) {
	m := mappingOf("u1", localEvent("e1", 9))
	m.DeleteIdentifier = ""
	ops := ComputeOperations("u1", nil, []models.EventMapping{m}, nil)
	if len(ops) != 1 || ops[0].DeleteID != m.DestinationEventUID {
		t.Fatalf("expected uid to be used as delete id, got %+v", ops)
	}
}

func TestComputeOperationsSortedByStartTime(t *testing.T) {
	late := localEvent("late", 15)
	early := localEvent("early", 7)
	gone := mappingOf("u1", localEvent("gone", 10))
	orphan := models.RemoteEvent{UID: "u1-orphanhash00000@keeper.sh", StartTime: day.Add(12 * time.Hour)}

	ops := ComputeOperations("u1", []models.SyncableEvent{late, early}, []models.EventMapping{gone}, []models.RemoteEvent{orphan})
	if len(ops) != 4 {
		t.Fatalf("expected 4 operations, got %+v", ops)
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].Time().Before(ops[i-1].Time()) {
			t.Fatalf("operations not sorted: %+v", ops)
		}
	}
	if ops[0].Event.ID != "early" || ops[1].UID != gone.DestinationEventUID || ops[2].UID != orphan.UID || ops[3].Event.ID != "late" {
		t.Fatalf("unexpected order %+v", ops)
	}
}

func TestComputeOperationsIdenticalSlots(t *testing.T) {
	a := localEvent("a", 9)
	b := localEvent("b", 9)
	ops := ComputeOperations("u1", []models.SyncableEvent{a, b}, nil, nil)
	if len(ops) != 2 {
		t.Fatalf("expected each local event to get its own add, got %+v", ops)
	}
	if ops[0].Event.ID != "a" || ops[1].Event.ID != "b" {
		t.Fatalf("expected ties to keep input order, got %+v", ops)
	}
}

func TestComputeOperationsKeepsCopyOfReplacedSlot(t *testing.T) {
	a := localEvent("a", 9)
	b := localEvent("b", 9)
	ops := ComputeOperations("u1", []models.SyncableEvent{a}, []models.EventMapping{mappingOf("u1", a), mappingOf("u1", b)}, []models.RemoteEvent{remoteOf("u1", a)})
	if len(ops) != 0 {
		t.Fatalf("expected no remote delete while a live event shares the uid, got %+v", ops)
	}
}

func TestComputeMappingChangesAdoptsRemoteCopies(t *testing.T) {
	e1 := localEvent("e1", 9)
	e2 := localEvent("e2", 11)
	mapped := localEvent("mapped", 13)
	r1 := remoteOf("u1", e1)
	r1.DeleteID = "/cal/e1.ics"
	r2 := remoteOf("u1", e2)
	r2.DeleteID = ""

	adopt, release := ComputeMappingChanges("u1", "d1",
		[]models.SyncableEvent{e1, e2, mapped, localEvent("unpushed", 15)},
		[]models.EventMapping{mappingOf("u1", mapped)},
		[]models.RemoteEvent{r1, r2, remoteOf("u1", mapped)})

	if len(release) != 0 {
		t.Fatalf("expected nothing to release, got %+v", release)
	}
	if len(adopt) != 2 {
		t.Fatalf("expected e1 and e2 to be adopted, got %+v", adopt)
	}
	if m := adopt[0]; m.EventStateID != "e1" || m.DestinationID != "d1" || m.DestinationEventUID != r1.UID || m.DeleteIdentifier != "/cal/e1.ics" || !m.StartTime.Equal(e1.StartTime) || !m.EndTime.Equal(e1.EndTime) {
		t.Fatalf("unexpected adoption %+v", m)
	}
	if m := adopt[1]; m.EventStateID != "e2" || m.DeleteIdentifier != r2.UID {
		t.Fatalf("expected uid fallback for the delete identifier, got %+v", m)
	}
}

func TestComputeMappingChangesReleasesReplacedSlot(t *testing.T) {
	a := localEvent("a", 9)
	b := localEvent("b", 9)
	gone := localEvent("gone", 12)

	adopt, release := ComputeMappingChanges("u1", "d1",
		[]models.SyncableEvent{a},
		[]models.EventMapping{mappingOf("u1", a), mappingOf("u1", b), mappingOf("u1", gone)},
		[]models.RemoteEvent{remoteOf("u1", a), remoteOf("u1", gone)})

	if len(adopt) != 0 {
		t.Fatalf("expected nothing to adopt, got %+v", adopt)
	}
	if len(release) != 1 || release[0].EventStateID != "b" {
		t.Fatalf("expected only b's mapping to be released, got %+v", release)
	}
}
