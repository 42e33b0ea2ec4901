// cardgate - three-factor smart-card access terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"github.com/jeranaias/cardgate/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	var err error
	switch cmd {
	case cli.CmdKiosk:
		err = cli.HandleKiosk(args)
	case cli.CmdEnroll:
		err = cli.HandleEnroll(args)
	case cli.CmdAuth:
		err = cli.HandleAuth(args)
	case cli.CmdChangePIN:
		err = cli.HandleChangePIN(args)
	case cli.CmdRecoverPIN:
		err = cli.HandleRecoverPIN(args)
	case cli.CmdInitDB:
		err = cli.HandleInitDB(args)
	case cli.CmdLogs:
		err = cli.HandleLogs(args)
	case cli.CmdProbe:
		err = cli.HandleProbe(args)
	case cli.CmdSecurityDemo:
		err = cli.HandleSecurityDemo(args)
	case cli.CmdVersion:
		cli.PrintVersion()
	case cli.CmdHelp:
		cli.PrintUsage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
