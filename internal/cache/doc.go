// Package cache keeps recently read stable-log pages in memory.
//
// Chains of pending reads often revisit a page, and many sessions missing on
// one hot page would otherwise decode it repeatedly. PageCache is a 64-way
// sharded LRU keyed by page number. Its bytes are charged to the cache
// budget of the resource controller; when the budget is spent, pages are
// simply not cached.
package cache
