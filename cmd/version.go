package main

import "fmt"

// GetVersionWithPrefix is the one-line form printed by the version
// subcommand.
func GetVersionWithPrefix() string {
	return "vmscope console version: " + version
}

// GetFullVersionInfo adds the build stamps injected through ldflags.
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s", version, commit, date)
}
