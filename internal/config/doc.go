// Package config defines the OTA client settings and provides helpers to
// load, validate and save them in YAML format.
//
// Validate fills defaults for every optional field, so a minimal file only
// needs to name the remote and ref to track.
package config
