// Package cli wires the ruletap command-line surface: the genca and run
// subcommands, their flags, and the process exit codes SPEC_FULL.md's
// external interface specifies (0 normal, 3 rule parse failure, nonzero on
// other fatal startup errors).
package cli

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ruleParseError marks a failure loading/compiling the rule set, reported
// via exit code 3.
type ruleParseError struct {
	err error
}

func (e *ruleParseError) Error() string { return e.err.Error() }
func (e *ruleParseError) Unwrap() error { return e.err }

// ExitCode maps err to the process exit code specified for CLI failures.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var rpe *ruleParseError
	if errors.As(err, &rpe) {
		return 3
	}
	return 1
}

// Execute builds and runs the root command against os.Args.
func Execute() error {
	root := newRootCmd()
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ruletap",
		Short:         "A rule-driven HTTPS/HTTP MITM forward proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var debug bool
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.PersistentPreRun = func(*cobra.Command, []string) {
		configureLogger(debug)
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newGenCACmd())
	return cmd
}

func configureLogger(debug bool) {
	level := slog.LevelInfo
	addSource := false
	if debug {
		level = slog.LevelDebug
		addSource = true
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}))
	slog.SetDefault(logger)
}

func init() {
	viper.SetEnvPrefix("RULETAP")
	viper.AutomaticEnv()
}
