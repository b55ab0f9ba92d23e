// Package main is the entry point for the pqsecure-mesh sidecar binary.
//
// Usage:
//
//	pqsecure-mesh run --config mesh.yaml
//	pqsecure-mesh validate-config --config mesh.yaml
//	pqsecure-mesh version
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pqsecure/mesh/internal/cli"
)

// Exit codes, matching spec §6/§7's fast-fail scheme: configuration errors
// (a config file that fails to load or validate, a missing --config, a
// policy file that fails to load at startup) and usage errors share exit
// code 1; every other failure while starting or running the sidecar - an
// unreadable CA root or provisioning token, a listener that cannot bind, or
// the bootstrap-identity dead end described in
// internal/core/services.IdentityService - is exit code 2.
const (
	exitOK      = 0
	exitConfig  = 1 // configuration load/validation errors, usage errors
	exitRuntime = 2 // other failures while starting or running the sidecar
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.ExecuteContext(ctx); err != nil {
		code := exitOK
		switch {
		case errors.Is(err, context.Canceled):
			os.Exit(exitOK)
		case errors.Is(err, cli.ErrConfig):
			code = exitConfig
		case errors.Is(err, cli.ErrRuntime):
			code = exitRuntime
		default:
			code = exitConfig
		}
		if code != 0 {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(code)
	}
}
