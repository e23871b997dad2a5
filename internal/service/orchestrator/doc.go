// Package orchestrator runs OTA operations one at a time and reports their
// progress and outcome as events on a channel.
//
// Every request returns a request ID immediately. The operation then runs on its
// own goroutine and ends with exactly one terminal event (InitializeFinished,
// FetchServerInfoFinished, UpdateFinished, RollbackFinished or RefreshFinished)
// carrying that ID. Failures are reported as ErrorOccurred followed by the
// terminal event with Success set to false. Lock scopes taken by an operation
// are released before its terminal event is sent.
package orchestrator
