// Package lock implements named, cross-process lock scopes.
//
// Each scope is an advisory lock on <dir>/<scope>.lock. The kernel drops the
// lock when the holding process exits, so a crashed holder never wedges the
// scope. Every acquisition opens the file anew and asks the kernel; nothing
// about held scopes is cached in process memory.
package lock
