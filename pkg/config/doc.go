// Package config loads the YAML configuration of the sshexec command line tool:
// a named host inventory, the SSH connection policy, telemetry settings and the
// location of the SQLite store.
//
// A minimal file:
//
//	defaultHost: web-1
//	hosts:
//	  web-1:
//	    ipAddress: 10.0.0.5
//	    userName: deploy
//	    port: 22
//	    authentication:
//	      type: public-key
//	      value: ~/.ssh/id_ed25519
//	ssh:
//	  connectivityPatience: 4
//	  retryBaseBackoff: 1s
//	  commandTimeout: 30s
//	telemetry:
//	  logLevel: debug
//
// Fields left out keep the values of Default. Relative key paths are resolved
// against the directory of the file.
package config
