// Package processtest provides an in-memory stand-in for the ostree command
// line. It keeps a deployment list, commit metadata and a remote ref, and
// answers the subset of commands the OTA client issues.
package processtest
