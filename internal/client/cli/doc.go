// Package cli implements blobctl, the operator command line of the blob
// store.
//
// Upload and lookup commands talk to a running server over its HTTP API.
// Administrative commands (unembargo, verify, sha256, gc-uploads) open the
// database and object store directly with the server configuration.
package cli
