// Package videosentinel holds repo-level metadata shared by the binaries.
package videosentinel

// Version is the current VideoSentinel release version.
var Version = "0.4.1"
