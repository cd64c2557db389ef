// Package commands defines the qkd CLI.
//
// Commands
//
//   - exchange  Run a two-party key exchange over a simulated pair source
//   - relay     Distribute a key across a demo relay topology
//
// # Implementation
//
// The root command configures logging before any subcommand runs; the
// -v flag raises the level to debug so the per-phase protocol logging
// becomes visible. Subcommands build their own sources, options and
// relay layers, so each invocation is self-contained.
package commands
