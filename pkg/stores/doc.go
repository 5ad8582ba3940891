// Package stores provides the persistence layer for run history,
// per-host results, events, and the inventory cache.
package stores
