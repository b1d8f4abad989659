// Package runctx stamps run identifiers, brick names, stage names, and blob
// ids onto a context.Context so log lines emitted deep inside a stage or a
// worker task carry the same correlation fields as the runner that started
// them.
package runctx
