// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cli implements the keystore command-line client.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/jeremyhahn/go-keystore/pkg/client"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

// CodeError reports a response code other than NO_ERROR. The code has
// already been printed when it is returned.
type CodeError struct {
	Operation string
	Code      types.ResponseCode
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Code)
}

// app carries the state shared by every command of one invocation.
type app struct {
	v      *viper.Viper
	config *Config
	client *client.Client
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: newViper()}

	rootCmd := &cobra.Command{
		Use:   "keystore",
		Short: "keystore CLI - per-user encrypted secret store client",
		Long: `keystore talks to the keystored daemon over its Unix socket.

The daemon identifies you by your uid. Values are stored per user and
encrypted with a master key derived from the user's password; key pairs
are held by the keymaster device when it supports them.

Settings come from flags, KEYSTORE_* environment variables, or --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.v)
			if err != nil {
				return err
			}
			a.config = cfg
			a.client = cfg.CreateClient()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.client != nil {
				return a.client.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (YAML)")
	flags.String("socket", client.DefaultSocketPath, "daemon socket path")
	flags.StringP("output", "o", string(OutputFormatText), "output format (text, json, table)")
	flags.Duration("timeout", NewConfig().Timeout, "request timeout")
	flags.BoolP("verbose", "v", false, "verbose output")
	_ = a.v.BindPFlags(flags)

	rootCmd.AddCommand(
		a.versionCmd(),
		a.healthCmd(),
		a.auditCmd(),
		a.stateCmd(),
		a.passwordCmd(),
		a.lockCmd(),
		a.unlockCmd(),
		a.resetCmd(),
		a.emptyCmd(),
		a.clearUIDCmd(),
		a.getCmd(),
		a.insertCmd(),
		a.deleteCmd(),
		a.existsCmd(),
		a.listCmd(),
		a.mtimeCmd(),
		a.duplicateCmd(),
		a.grantCmd(),
		a.ungrantCmd(),
		a.generateCmd(),
		a.importCmd(),
		a.signCmd(),
		a.verifyCmd(),
		a.pubkeyCmd(),
		a.delKeyCmd(),
		a.hardwareCmd(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	cmd := NewRootCommand()
	err := cmd.Execute()
	if err == nil {
		return nil
	}
	var codeErr *CodeError
	if !errors.As(err, &codeErr) {
		format := cmd.PersistentFlags().Lookup("output").Value.String()
		_ = NewPrinter(format, os.Stderr).PrintError(err)
	}
	return err
}

func (a *app) printer(cmd *cobra.Command) *Printer {
	return NewPrinter(a.config.OutputFormat, cmd.OutOrStdout())
}

func (a *app) verbose(cmd *cobra.Command, format string, args ...interface{}) {
	if a.config.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}

// finish prints code and turns anything but NO_ERROR into a CodeError.
func (a *app) finish(cmd *cobra.Command, op string, code types.ResponseCode, err error) error {
	if err != nil {
		return err
	}
	if perr := a.printer(cmd).PrintCode(op, code); perr != nil {
		return perr
	}
	if code != types.NoError {
		return &CodeError{Operation: op, Code: code}
	}
	return nil
}

// failed is finish for commands that print a payload on success.
func (a *app) failed(cmd *cobra.Command, op string, code types.ResponseCode) error {
	return a.finish(cmd, op, code, nil)
}

func ctx(cmd *cobra.Command) context.Context {
	if c := cmd.Context(); c != nil {
		return c
	}
	return context.Background()
}

// readInput returns value, or the contents of file when set. "-" reads
// standard input.
func readInput(cmd *cobra.Command, value, file string) ([]byte, error) {
	switch file {
	case "":
		return []byte(value), nil
	case "-":
		return io.ReadAll(cmd.InOrStdin())
	default:
		return os.ReadFile(file)
	}
}

// readPassword prompts on the terminal, or reads one line from a
// non-interactive standard input.
func readPassword(cmd *cobra.Command, prompt string) ([]byte, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		return pw, err
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// password returns the --password flag or prompts for one.
func password(cmd *cobra.Command) ([]byte, error) {
	if pw, _ := cmd.Flags().GetString("password"); pw != "" {
		return []byte(pw), nil
	}
	return readPassword(cmd, "Password: ")
}

func addUIDFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("uid", client.SelfUID, "target uid (-1 for yourself)")
}

func addEncryptedFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("encrypted", true, "encrypt with the user's master key (requires unlock)")
}

func uidFlag(cmd *cobra.Command) int64 {
	uid, _ := cmd.Flags().GetInt64("uid")
	return uid
}

func flagsFlag(cmd *cobra.Command) types.Flags {
	if enc, _ := cmd.Flags().GetBool("encrypted"); enc {
		return types.FlagEncrypted
	}
	return types.FlagNone
}
