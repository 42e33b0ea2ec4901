// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command handlers for cardgate.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdKiosk Command = iota
	CmdEnroll           // NIST 800-53 IA-5: Authenticator Management
	CmdAuth             // NIST 800-53 IA-2: Identification and Authentication
	CmdChangePIN        // NIST 800-53 IA-5(1): Password-Based Authentication
	CmdRecoverPIN       // NIST 800-53 IA-5(1): operator-assisted reset
	CmdInitDB
	CmdLogs // NIST 800-53 AU-3: Content of Audit Records
	CmdProbe
	CmdSecurityDemo // walkthrough of the challenge-response and replay controls
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	DBPath string // --db overrides the configured database path
	Demo   bool   // --demo drives an in-memory card instead of a reader
	JSON   bool   // --json emits machine-readable output

	// Command-specific
	UserID       string
	TemplatePath string
	CapturePath  string // auth: biometric probe read from a file
	Limit        int    // logs: number of rows

	// Raw args (remaining after flag parsing)
	Raw []string
}

const usageText = `cardgate - three-factor smart-card access terminal

Cardgate authenticates card + PIN + biometric at a contact-card reader
and records every decision in a tamper-evident audit trail.

Usage:
  cardgate                          Start the kiosk TUI (default)
  cardgate enroll --user ID --template PATH
                                    Enroll a user: provision the card,
                                    set the PIN, register the template
  cardgate auth                     One authentication attempt (no TUI)
  cardgate change-pin --user ID     Change a user's PIN
  cardgate recover-pin --user ID    Operator-assisted PIN reset (TOTP)
  cardgate init-db                  Create the database and schema
  cardgate logs [--limit N]         Show recent authentication decisions
  cardgate probe                    Probe card access conditions
  cardgate security-demo            Walk through the challenge-response
                                    and replay-rejection controls
  cardgate version                  Show version information
  cardgate help                     Show this help

Flags:
  --db PATH       Override the configured database path
  --demo          Use an in-memory demo card instead of a reader
  --json          Machine-readable output (logs, auth)
  --user ID       User identifier
  --template PATH Biometric template file
  --capture PATH  Biometric probe file for a non-TUI attempt
  --limit N       Row limit for logs (default 20)

Environment:
  CARDGATE_PASSWORD_PEPPER   Server-side PIN pepper (raw or base64:...)
  CARDGATE_DB_PATH           Database path override
  CARDGATE_CSC0_HEX          Issuer secret code 0 (8 hex digits)
  CARDGATE_CSC1_HEX          Issuer secret code 1
  CARDGATE_CSC2_HEX          Issuer secret code 2
  CARDGATE_DETECTOR_BIN      External biometric detector binary
`

// Parse parses os.Args into a command and its arguments.
func Parse() (Command, Args) {
	args := Args{Limit: 20}
	argv := os.Args[1:]

	cmd := CmdKiosk
	if len(argv) > 0 && !strings.HasPrefix(argv[0], "-") {
		switch argv[0] {
		case "kiosk":
			cmd = CmdKiosk
		case "enroll":
			cmd = CmdEnroll
		case "auth":
			cmd = CmdAuth
		case "change-pin":
			cmd = CmdChangePIN
		case "recover-pin":
			cmd = CmdRecoverPIN
		case "init-db":
			cmd = CmdInitDB
		case "logs":
			cmd = CmdLogs
		case "probe":
			cmd = CmdProbe
		case "security-demo":
			cmd = CmdSecurityDemo
		case "version", "-v", "--version":
			cmd = CmdVersion
		case "help", "-h", "--help":
			cmd = CmdHelp
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", argv[0])
			cmd = CmdHelp
		}
		argv = argv[1:]
	}

	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--db":
			if i+1 < len(argv) {
				i++
				args.DBPath = argv[i]
			}
		case "--demo":
			args.Demo = true
		case "--json":
			args.JSON = true
		case "--user":
			if i+1 < len(argv) {
				i++
				args.UserID = argv[i]
			}
		case "--template":
			if i+1 < len(argv) {
				i++
				args.TemplatePath = argv[i]
			}
		case "--capture":
			if i+1 < len(argv) {
				i++
				args.CapturePath = argv[i]
			}
		case "--limit":
			if i+1 < len(argv) {
				i++
				fmt.Sscanf(argv[i], "%d", &args.Limit)
			}
		case "-h", "--help":
			cmd = CmdHelp
		default:
			args.Raw = append(args.Raw, argv[i])
		}
	}

	return cmd, args
}

// PrintUsage writes the full usage text to stdout.
func PrintUsage() {
	fmt.Print(usageText)
}

// PrintVersion writes version information to stdout.
func PrintVersion() {
	fmt.Printf("cardgate %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
}
