package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks argument and configuration problems.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rdma-write-client [flags] <server> <val1> <val2>",
		Short: "Send two integers to an RDMA adding server and print the sum",
		Long: `rdma-write-client connects to <server> on port 20000, writes <val1> and
<val2> into the buffer the server advertises, notifies the server, and prints
the sum it sends back.

Operands accept decimal, 0x hex and 0 octal forms. Every flag can also be set
through an RDMA_WRITE_* environment variable or a --config YAML file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 {
				return usageError{fmt.Errorf("expected <server> <val1> <val2>, got %d arguments", len(args))}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(cmd.Flags())
			if err != nil {
				return usageError{err}
			}
			a, err := parseOperand(args[1])
			if err != nil {
				return usageError{err}
			}
			b, err := parseOperand(args[2])
			if err != nil {
				return usageError{err}
			}
			return run(cmd.Context(), opts, args[0], a, b, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	registerFlags(cmd.Flags())
	return cmd
}

// parseOperand accepts the same forms as strtoul with base 0.
func parseOperand(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("operand %q: %w", s, err)
	}
	return uint32(v), nil
}

func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "rdma-write-client: %v\n", err)
	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintln(stderr, cmd.UseLine())
		return exitUsage
	}
	return exitFailure
}
