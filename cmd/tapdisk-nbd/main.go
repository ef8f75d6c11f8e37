// Command tapdisk-nbd is a stand-alone smoke-test binary for the NBD client
// driver: it wires a real epoll scheduler to the driver facade so the
// state machine described in spec.md can be exercised against a live NBD
// export outside of the surrounding tapdisk daemon. CLI entry points are
// explicitly out of scope for the driver core itself, but the binary
// follows the teacher's cobra conventions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tapdisk-nbd",
		Short: "NBD client driver smoke-test binary",
		Long:  "Dial an NBD export, negotiate the protocol, and issue one read or write chosen by flags",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
