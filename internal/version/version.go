// Package version holds the build version for all RTS components.
package version

// Version is set at build time via -ldflags.
var Version = "0.3.0-dev"
