package main

import (
	"flag"
	"fmt"
	"io"

	"pipelined.dev/framepipe/model"
)

type modelsCommand struct{}

func (cmd *modelsCommand) Name() string {
	return "models"
}

func (cmd *modelsCommand) Help() string {
	return "Show the list of available models"
}

func (cmd *modelsCommand) Register(*flag.FlagSet) {}

func (cmd *modelsCommand) Run(out io.Writer) error {
	fmt.Fprintln(out, "Available models:")
	for _, name := range model.Names() {
		fmt.Fprintf(out, "\t%s\n", name)
	}
	return nil
}
