// Package tombstone remembers correlation ids that have left the pending
// table, together with the reason they left it.
//
// The correlation layer marks an id Resolved when its reply arrives and
// Expired when its deadline passes. A reply for an Expired id is a late
// reply and is discarded quietly; a reply for a Resolved id is a duplicate
// delivery and is rejected loudly.
//
// Ids are kept for a TTL and the set is bounded; a background sweeper drops
// stale entries until Close is called.
package tombstone
