// Package power restarts the device after a deployment change.
package power
