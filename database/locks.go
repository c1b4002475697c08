// parlor/database/locks.go
package database

import "sync"

// resourceLocks is the concurrency controller: one exclusive-writer lock per
// logical resource, so unrelated writes do not serialize against each other.
// Reads never take these locks; WAL mode gives readers the last committed
// snapshot. Writers that touch several resources must acquire locks in the
// fixed order registry, log, mode to keep lock acquisition acyclic.
type resourceLocks struct {
	registry sync.Mutex // accounts: ban/warn state, last login, profile ref
	log      sync.Mutex // messages and their overlays
	mode     sync.Mutex // the chat_mode singleton
}
