// gaffer runs multi-agent coding tasks against registered projects, each
// task isolated on its own git branch and container.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		code := 1
		var ec *exitCodeError
		if errors.As(err, &ec) {
			code = ec.code
			err = ec.err
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		}
		os.Exit(code)
	}
}
