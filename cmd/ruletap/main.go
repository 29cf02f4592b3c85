// Command ruletap runs the intercepting HTTPS/HTTP MITM forward proxy, or
// generates the root CA key/cert pair it uses to mint leaf certificates.
package main

import (
	"fmt"
	"os"

	"github.com/ruletap/ruletap/cmd/ruletap/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
