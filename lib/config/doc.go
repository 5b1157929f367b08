// Package config provides configuration management for go-duplex sessions.
//
// Library users build a SessionConfig with DefaultSessionConfig and adjust
// fields directly. The command line tool loads the same values through viper
// from $HOME/.go-duplex/config.yaml (created on first run) or from the file
// named by CfgFile, with keys grouped under "session" and "dedup":
//
//	session:
//	  route_retry:
//	    initial_delay: 500ms
//	    max_delay: 30s
//	    max_attempts: 8
//	  send_failure_threshold: 3
//	dedup:
//	  max_entries: 4096
//	  retention: 10m
//
// Validate rejects values that would make a session spin or never give up.
package config
