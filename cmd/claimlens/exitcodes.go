package main

// Exit codes returned by the claimlens CLI.
const (
	// ExitSuccess means the command completed without error.
	ExitSuccess = 0

	// ExitGeneral covers runtime failures: store unavailable,
	// catalog load errors, failed verification runs.
	ExitGeneral = 1

	// ExitUsage means the command line itself was wrong: unknown
	// subcommand, bad flag, missing argument.
	ExitUsage = 2
)
