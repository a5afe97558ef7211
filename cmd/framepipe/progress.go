package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"pipelined.dev/framepipe"
)

// progressPrinter rewrites a single line when output is a terminal and
// prints a line per report otherwise.
type progressPrinter struct {
	out   io.Writer
	tty   bool
	width int
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	p := progressPrinter{out: out}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = w
		}
	}
	return &p
}

func (p *progressPrinter) print(progress framepipe.Progress) {
	line := formatProgress(progress)
	if !p.tty {
		fmt.Fprintln(p.out, line)
		return
	}
	if p.width > 1 && len(line) >= p.width {
		line = line[:p.width-1]
	}
	fmt.Fprintf(p.out, "\r%-*s", p.width-1, line)
}

func (p *progressPrinter) done() {
	if p.tty {
		fmt.Fprintln(p.out)
	}
}

func formatProgress(p framepipe.Progress) string {
	if p.Total > 0 {
		return fmt.Sprintf("Submitted %d/%d (%.0f%%), written %d",
			p.Submitted, p.Total, 100*float64(p.Submitted)/float64(p.Total), p.Written)
	}
	return fmt.Sprintf("Submitted %d, written %d", p.Submitted, p.Written)
}
