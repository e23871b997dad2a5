// Package ota contains core domain types for the OTA orchestration logic.
//
// It defines Revision, Deployment (one entry of the sysroot deployment list),
// QueryTarget, DeploymentInfo (a parsed metadata document) and RollbackState,
// together with the error taxonomy shared by every service.
package ota
