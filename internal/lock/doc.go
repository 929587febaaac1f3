// Package lock provides the advisory per-category lock that keeps two
// cooperating workers from crawling the same category at once. A lock that
// outlives its TTL without being refreshed is treated as left behind by a
// crashed worker and may be reclaimed. The lock is best effort and not
// linearizable.
package lock
