// Package checkpoint persists completed blob results so an interrupted or
// bailed-out fitting pass can resume without refitting finished blobs.
//
// A checkpoint is a single JSON file rewritten in full on every flush through
// a temporary file and a rename, so readers only ever see a complete file.
// The Store holds an advisory lock beside the file for as long as it is open;
// one brick run owns a checkpoint at a time.
//
// Records are validated against the current blob partition before reuse. A
// record whose blob id, bounding box or pixel count disagrees with the
// partition answers a different blob and is dropped.
package checkpoint
