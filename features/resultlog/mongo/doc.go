// Package mongo provides MongoDB-backed result log storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a resultlog.Store that persists model results.
package mongo
