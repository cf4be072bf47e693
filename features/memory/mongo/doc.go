// Package mongo provides the MongoDB-backed implementation of the user
// memory capability (memory.Store) the phase-2 injector reads. Use
// clients/mongo to build the low-level client and pass it to NewStore.
package mongo
