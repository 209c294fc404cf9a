// Package version holds the controller version string.
package version

// Version is stamped via -ldflags at release build time; "dev" otherwise.
var Version = "dev"
