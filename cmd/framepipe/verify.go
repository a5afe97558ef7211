package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"pipelined.dev/framepipe/manifest"
)

var errMismatch = errors.New("manifests differ")

type verifyCommand struct {
	a string
	b string
}

func (cmd *verifyCommand) Name() string {
	return "verify"
}

func (cmd *verifyCommand) Help() string {
	return "Compare manifests of two runs"
}

func (cmd *verifyCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.a, "a", "", "first manifest (required)")
	fs.StringVar(&cmd.b, "b", "", "second manifest (required)")
}

func (cmd *verifyCommand) Run(out io.Writer) error {
	if cmd.a == "" || cmd.b == "" {
		return errors.New("missing -a or -b required flag")
	}
	diff, err := manifest.DiffFiles(cmd.a, cmd.b)
	if err != nil {
		return err
	}
	if diff != "" {
		fmt.Fprint(out, diff)
		return errMismatch
	}
	fmt.Fprintln(out, "Manifests are equal")
	return nil
}
