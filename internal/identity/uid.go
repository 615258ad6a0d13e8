// Package identity derives the stable iCalendar UIDs keeper assigns to the events it mirrors.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"keeper/internal/models"
)

// Suffix marks every UID created by keeper. Remote events without it are never touched.
const Suffix = "@keeper.sh"

const hashLength = 16

// GenerateUID returns the UID for event on behalf of userID.
// The same source and time span always produce the same UID, so a re-push after a
// partial failure collides with the existing remote copy instead of duplicating it.
func GenerateUID(userID string, event models.SyncableEvent) string {
	return fmt.Sprintf("%s-%s%s", userID, eventHash(event), Suffix)
}

// IsKeeperEvent reports whether uid was generated by keeper.
func IsKeeperEvent(uid string) bool {
	return strings.HasSuffix(uid, Suffix)
}

// ParseUID splits a keeper UID into the owning user and the content hash.
func ParseUID(uid string) (userID, hash string, ok bool) {
	if !IsKeeperEvent(uid) {
		return "", "", false
	}
	// The hash alphabet includes '-', so split on its fixed length rather than the last dash.
	local := strings.TrimSuffix(uid, Suffix)
	sep := len(local) - hashLength - 1
	if sep <= 0 || local[sep] != '-' {
		return "", "", false
	}
	return local[:sep], local[sep+1:], true
}

func eventHash(event models.SyncableEvent) string {
	data := fmt.Sprintf("%s:%d:%d", event.SourceID, event.StartTime.UnixMilli(), event.EndTime.UnixMilli())
	sum := sha256.Sum256([]byte(data))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:hashLength]
}
