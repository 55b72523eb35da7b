// Package iox holds the one io.Closer cleanup helper every component in
// this daemon actually needs on its best-effort teardown paths.
package iox

import "io"

// DiscardClose closes c and discards the error. Used wherever a close
// failure is unactionable: the supervisor's subprocess log file, the
// control server's client connections, the ingest reader's socket, and the
// store's query result sets and prepared statements.
func DiscardClose(c io.Closer) { _ = c.Close() }
