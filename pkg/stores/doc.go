// Package stores provides the persistence layer of the sshexec command line
// tool: a SQLite store with embedded migrations holding detached process
// handles and a journal of remote executions.
package stores
