// Package main implements the junknas node binary: run the node, or edit the
// bootstrap peer list of an existing configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/node"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	commitHash = "unknown"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("junknas %s (%s)\n", version, commitHash)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	}

	cfgPath := args[0]
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := config.Open(cfgPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if store.Snapshot().Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if len(args) == 1 {
		return runNode(store, log)
	}

	switch args[1] {
	case "bootstrap-peers":
		return bootstrapPeersCommand(store, args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[1])
		printUsage()
		return exitUsage
	}
}

func runNode(store *config.Store, log *logrus.Logger) int {
	rt, err := node.New(store, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if err := rt.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func bootstrapPeersCommand(store *config.Store, args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}
	switch args[0] {
	case "list":
		for i, ep := range store.Snapshot().BootstrapPeers {
			fmt.Printf("%d\t%s\n", i, ep)
		}
		return exitOK
	case "add":
		if len(args) != 2 {
			printUsage()
			return exitUsage
		}
		return reportEdit(store.AddBootstrapPeer(args[1]))
	case "delete":
		if len(args) != 2 {
			printUsage()
			return exitUsage
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: index %q is not a number\n", args[1])
			return exitUsage
		}
		return reportEdit(store.DeleteBootstrapPeer(idx))
	case "edit":
		if len(args) != 3 {
			printUsage()
			return exitUsage
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: index %q is not a number\n", args[1])
			return exitUsage
		}
		return reportEdit(store.EditBootstrapPeer(idx, args[2]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown bootstrap-peers action: %s\n\n", args[0])
		printUsage()
		return exitUsage
	}
}

func reportEdit(err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitError
}

func printUsage() {
	fmt.Printf(`junknas %s - mesh-native content-addressed NAS node

Usage:
  junknas <config.json>                 Run the node (mount + mesh + web)
  junknas <config.json> bootstrap-peers list
  junknas <config.json> bootstrap-peers add <ip:port>
  junknas <config.json> bootstrap-peers delete <index>
  junknas <config.json> bootstrap-peers edit <index> <ip:port>
  junknas version

Exit codes: 0 success, 1 operational error, 2 usage error.
`, version)
}
