// Package preflight provides readiness checks for the filesystem paths a
// brick run writes into.
//
// The run command evaluates RunAll after directories are created and before
// any stage executes. A failed check aborts the run with a configuration
// error so a long fitting pass never starts against an unwritable output tree.
package preflight
