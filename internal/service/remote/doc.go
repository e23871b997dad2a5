// Package remote manages the repository configuration the deployment tool reads
// from <sysroot>/etc/ostree/remotes.d. Files are replaced atomically and only
// while the update lock scope is held.
package remote
