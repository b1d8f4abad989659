// Package scheduler turns a blob partition into a merged fit result.
//
// Blobs are visited largest first. Each blob is either skipped (outside the
// brick's unique area, answered by a validated checkpoint record, above the
// size ceiling, or bailed out) or dispatched to the worker pool as a
// self-contained fit task. The controlling goroutine owns every piece of
// scheduler state: it collects results in completion order, flushes the
// checkpoint on a wall-clock cadence while polling, and performs a final
// flush once the pool is drained. Merge then drops empty results and
// migrated sources and renumbers the surviving blobs contiguously.
//
// Bailout never interrupts a running fit; it only closes the dispatch gate.
package scheduler
