// Package version exposes build metadata of the OTA client.
//
// Version, Commit and BuildTime are injected with -ldflags "-X ..." at build time.
// UserAgent is what the client announces to update servers.
package version
