// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package cvd

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Command is a single external tool invocation. Run owns the child's pipes
// and returns only after the child has exited.
type Command struct {
	Bin    string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
}

func NewCommand(bin string, args ...string) *Command {
	return &Command{Bin: bin, Args: args}
}

func (c *Command) AddArgs(args ...string) *Command {
	c.Args = append(c.Args, args...)
	return c
}

// Run executes the command. Stdout is captured with stderr unless a writer
// was set; the capture is attached to the returned error.
func (c *Command) Run(env Env) error {
	_, span := StartSpan(env, "cvd.Command",
		attribute.String("command", filepath.Base(c.Bin)),
		attribute.String("args", strings.Join(c.Args, " ")),
	)
	defer span.End()

	LogDebug(env, "running command", "command", c.Bin, "args", strings.Join(c.Args, " "))
	cmd := exec.Command(c.Bin, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	var buf bytes.Buffer
	cmd.Stderr = io.MultiWriter(&buf, newCommandLogWriter(env, c.Bin, c.Args))
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &buf
	}
	if err := cmd.Run(); err != nil {
		err = Wrap(IOFailed, err, "%s %v failed\n%s", c.Bin, c.Args, buf.String())
		RecordSpanError(span, err)
		return err
	}
	return nil
}

// Output runs the command and returns its stdout.
func (c *Command) Output(env Env) ([]byte, error) {
	var out bytes.Buffer
	c.Stdout = &out
	if err := c.Run(env); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func Run(env Env, bin string, args ...string) error {
	return NewCommand(bin, args...).Run(env)
}
