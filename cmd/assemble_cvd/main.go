// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forkbombeu/cvdassemble/internal/assemble"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	env := cvd.Detect()

	shutdown, err := cvd.SetupTracing(env.Context)
	if err != nil {
		fmt.Fprintf(stderr, "tracing disabled: %v\n", err)
	}
	defer func() {
		if shutdown == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	root := &cobra.Command{
		Use:   "assemble_cvd [flags] < artifact-list",
		Short: flags.Usage,
		// gflags spellings (-flag, --noflag, --helpxml) are handled by the
		// assembler's own flag set.
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := assemble.Assemble(env, assemble.Options{
				Args:   args,
				Stdin:  stdin,
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.ConfigPath)
			return nil
		},
	}
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		if errors.Is(err, assemble.ErrHelp) {
			return 1
		}
		fmt.Fprintf(stderr, "assemble_cvd: %s\n", cvd.FormatChain(err))
		return 1
	}
	return 0
}
