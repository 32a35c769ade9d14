// Package config loads Dispatch's process-level configuration: the event
// store's database path, the gateway's listen address, and the
// per-subscriber buffer and max-payload caps.
//
// # Loading order
//
// Load reads, in increasing priority, a global config file
// (~/.config/dispatch/dispatch.json or dispatch.jsonc), a project-local
// override (<directory>/.dispatch/dispatch.json or dispatch.jsonc), and
// finally environment
// variables (DISPATCH_DB_PATH, DISPATCH_LISTEN_ADDR). A missing file at any
// layer is skipped, not an error; unset fields in a file never clear a
// value set by an earlier layer.
//
// JSONC files may use // and /* */ comments, stripped before parsing.
//
// # Paths
//
// GetPaths returns Dispatch's own XDG Base Directory Specification paths
// (Data, Config, Cache, State), used as the root for the default database
// location and for locating the global config file.
package config
