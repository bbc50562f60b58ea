package main

//	@title			lablock gateway API
//	@version		1.0
//	@description	Lease-based coordination store shared by lab hosts that lock test equipment.

//	@BasePath	/v1

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Type "Bearer" followed by a space and an API key.

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lablock",
	Short: "lablock - Lease-based locks for shared lab equipment",
	Long: `lablock serializes access to shared lab resources such as devices under test.
Locks are leases in a coordination store (Redis, PostgreSQL, SQLite or a lablock
gateway) that are kept alive while the holder runs and removed when it exits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Validate the lablock configuration and display the loaded settings",
	RunE:  validateConfig,
}

var configFilePath string

// exitCodeError carries a process exit status through cobra without printing
// anything more.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "Path to configuration file")

	configCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(
		newRunCmd(),
		newHoldCmd(),
		newStatusCmd(),
		newListCmd(),
		newReleaseCmd(),
		serverCmd,
		configCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
