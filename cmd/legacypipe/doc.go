// Package main hosts the legacypipe CLI entrypoint and command graph.
//
// The Cobra-based command tree turns terminal invocations into brick runs,
// stage-cache maintenance, checkpoint inspection, brick registry listings and
// configuration scaffolding. It centralizes configuration resolution and
// logger setup so subcommands can focus on their own flags.
//
// Keep this package lean: new behavior belongs in the internal packages
// first, then surfaces here through dedicated commands or flags.
package main
