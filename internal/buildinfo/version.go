// Package buildinfo carries the version stamped at build time.
package buildinfo

// Version is overridden by the release build with
// -ldflags "-X go2tv.app/castout/internal/buildinfo.Version=...".
var Version = "dev"
