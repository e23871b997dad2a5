// Package info resolves metadata documents for the OTA client.
//
// Local targets (client, default and rollback deployments) are read from the
// local repository through the deployment tool. The server target is
// delegated to a RemoteFetcher: either the deployment tool pulling commit
// metadata, or a plain HTTP fetch from the repository server.
package info
