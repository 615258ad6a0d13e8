package syncer

import (
	"sort"

	"keeper/internal/identity"
	"keeper/internal/models"
)

// ComputeOperations diffs the local events of userID against what a destination holds.
//
//   - A local event without a mapping is added, unless its uid is already on the
//     destination (a copy left by an earlier pass that failed before recording it).
//     ComputeMappingChanges adopts such copies.
//   - A mapping whose local event is gone is removed using the stored identifiers,
//     unless another local event still produces its uid.
//   - A remote keeper event that neither a mapping nor a local event accounts for is removed.
//
// The result is sorted by event start time; ties keep the order above.
func ComputeOperations(userID string, local []models.SyncableEvent, mappings []models.EventMapping, remote []models.RemoteEvent) []models.SyncOperation {
	localIDs := make(map[string]bool, len(local))
	localUIDs := make(map[string]bool, len(local))
	for _, event := range local {
		localIDs[event.ID] = true
		localUIDs[identity.GenerateUID(userID, event)] = true
	}

	mappedEventIDs := make(map[string]bool, len(mappings))
	mappedUIDs := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mappedEventIDs[m.EventStateID] = true
		mappedUIDs[m.DestinationEventUID] = true
	}

	remoteUIDs := make(map[string]bool, len(remote))
	for _, r := range remote {
		remoteUIDs[r.UID] = true
	}

	var ops []models.SyncOperation
	for _, event := range local {
		if mappedEventIDs[event.ID] || remoteUIDs[identity.GenerateUID(userID, event)] {
			continue
		}
		ops = append(ops, models.AddOperation(event))
	}

	for _, m := range mappings {
		if localIDs[m.EventStateID] || localUIDs[m.DestinationEventUID] {
			continue
		}
		deleteID := m.DeleteIdentifier
		if deleteID == "" {
			deleteID = m.DestinationEventUID
		}
		ops = append(ops, models.RemoveOperation(m.DestinationEventUID, deleteID, m.StartTime))
	}

	for _, r := range remote {
		if mappedUIDs[r.UID] || localUIDs[r.UID] {
			continue
		}
		deleteID := r.DeleteID
		if deleteID == "" {
			deleteID = r.UID
		}
		ops = append(ops, models.RemoveOperation(r.UID, deleteID, r.StartTime))
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Time().Before(ops[j].Time())
	})
	return ops
}

// ComputeMappingChanges returns the mapping bookkeeping that needs no remote call.
//
// adopt holds a mapping for every local event that has none but whose uid the
// destination already holds. release holds the mappings whose local event is gone
// while another local event still produces the same uid: the remote copy stays and
// only the stale mapping is dropped.
func ComputeMappingChanges(userID, destinationID string, local []models.SyncableEvent, mappings []models.EventMapping, remote []models.RemoteEvent) (adopt, release []models.EventMapping) {
	localIDs := make(map[string]bool, len(local))
	localUIDs := make(map[string]bool, len(local))
	for _, event := range local {
		localIDs[event.ID] = true
		localUIDs[identity.GenerateUID(userID, event)] = true
	}

	mappedEventIDs := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mappedEventIDs[m.EventStateID] = true
	}

	remoteByUID := make(map[string]models.RemoteEvent, len(remote))
	for _, r := range remote {
		remoteByUID[r.UID] = r
	}

	for _, event := range local {
		if mappedEventIDs[event.ID] {
			continue
		}
		uid := identity.GenerateUID(userID, event)
		r, ok := remoteByUID[uid]
		if !ok {
			continue
		}
		deleteID := r.DeleteID
		if deleteID == "" {
			deleteID = uid
		}
		adopt = append(adopt, models.EventMapping{
			EventStateID:        event.ID,
			DestinationID:       destinationID,
			DestinationEventUID: uid,
			DeleteIdentifier:    deleteID,
			StartTime:           event.StartTime,
			EndTime:             event.EndTime,
		})
	}

	for _, m := range mappings {
		if !localIDs[m.EventStateID] && localUIDs[m.DestinationEventUID] {
			release = append(release, m)
		}
	}
	return adopt, release
}
