// Package rollback derives the rollback candidate from the deployment list and
// publishes it when it changes.
package rollback
