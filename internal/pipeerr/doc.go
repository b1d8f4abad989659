// Package pipeerr defines the error taxonomy shared by the brick reduction
// pipeline.
//
// Key responsibilities:
//   - Sentinel markers (nothing to do, configuration, blob fit failure,
//     checkpoint corruption, stage failure) that callers test with errors.Is.
//   - The Wrap helper that prefixes component and operation context while
//     keeping both the marker and the underlying cause reachable.
//   - ExitCode, which translates a terminal error into the process exit status
//     the CLI reports.
package pipeerr
