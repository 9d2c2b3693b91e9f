package graph

import (
	"encoding/binary"

	"example.com/timelinesync/internal/models"
	"github.com/google/uuid"
)

// Entity IDs are derived from (backend, platform ID) so that every process
// sharing a persister assigns the same ID to the same remote record.
var (
	statusNamespace = uuid.MustParse("5d0c1a3e-2f64-5b7e-9c1d-6a8f4e2b7c10")
	authorNamespace = uuid.MustParse("a71e9c42-0b3d-5f18-8e6a-3c5d7f9b1e24")
)

// deriveID maps an identity to a positive 63-bit ID.
func deriveID(ns uuid.UUID, key identity) models.EntityID {
	u := uuid.NewSHA1(ns, []byte(string(key.backend)+"\x00"+key.platformID))
	id := models.EntityID(binary.BigEndian.Uint64(u[:8]) &^ (1 << 63))
	if id == 0 {
		id = 1
	}
	return id
}

// allocID returns the derived ID of key, stepping upward past IDs that free
// rejects. Stepping only happens on a hash collision.
func allocID(ns uuid.UUID, key identity, free func(models.EntityID) bool) models.EntityID {
	id := deriveID(ns, key)
	for !free(id) {
		id++
		if id <= 0 {
			id = 1
		}
		logg.Warn("graph", "Entity ID collision, trying next ID", nil)
	}
	return id
}
