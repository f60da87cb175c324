// Package version holds the build version, overridable with -ldflags.
package version

// Version is the release version of clipfactory
var Version = "0.3.0"
