// Package memory provides an in-memory implementation of storage.AccountStore.
//
// Principals live in maps guarded by a sync.RWMutex. IDs are assigned
// sequentially from 1. Emails are normalized to lower case so uniqueness is
// case-insensitive. Nothing survives a restart.
//
// Example usage:
//
//	store := memory.New()
//	store.SetLogger(logger)
//
//	srv, err := server.New(cfg, server.Deps{Store: store})
package memory
