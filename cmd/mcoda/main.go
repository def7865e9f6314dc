package main

import (
	"fmt"
	"os"

	ucli "github.com/urfave/cli/v2"

	"github.com/bekirdag/mcoda/internal/cli"
	"github.com/bekirdag/mcoda/internal/errs"
)

func main() {
	if err := cli.App().Run(os.Args); err != nil {
		var ec ucli.ExitCoder
		if e, ok := err.(ucli.ExitCoder); ok {
			ec = e
		}
		if ec != nil {
			if msg := ec.Error(); msg != "" {
				fmt.Fprintf(os.Stderr, "error: %s\n", msg)
			}
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if hint := errs.HintOf(err); hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(errs.ExitCode(err))
	}
}
