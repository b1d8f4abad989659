// Package pipeline executes named stages in prerequisite order and caches
// each stage's accumulated outputs per brick.
//
// Stage data flows through typed keys. A stage declares the key names it
// reads and writes; the runner checks the declarations against the
// prerequisite graph before anything runs, and again at run time against
// what the stage actually returned. Values are stored encoded, so every
// lookup decodes a fresh copy and no stage can change what an earlier stage
// produced.
//
// A cache entry for (brick, stage) holds the stage's full closure: the
// entries of every upstream stage plus its own outputs. A cache hit
// therefore returns without consulting any ancestor. Run-level constants are
// overlaid on each execution and are not part of any entry.
package pipeline
