// Package cache provides bounded memoization for idempotent tool calls.
//
// Two disciplines share one contract: an LRU cache that evicts the least
// recently read entry, and a FIFO cache that evicts the oldest inserted one
// regardless of reads. Both bound entry count, expire values on read past
// their TTL, and expose hit/miss/eviction counters. Key derivation is
// deterministic: logically identical arguments produce the same key whatever
// order they were supplied in.
//
// Caching here is advisory. A cache failure must degrade to a miss, never
// into a failed call.
package cache
