// Package config implements the agent's configuration file, per spec
// §6: a fixed, strictly-validated option set. Unknown keys are
// rejected at load time, and WatchAgent keeps a running agent on its
// last-good config if a live edit fails to parse or validate.
package config
