package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"legacypipe/internal/pipeerr"
)

func main() {
	cmd := newRootCommand()
	err := cmd.Execute()
	if err != nil {
		switch {
		case errors.Is(err, pipeerr.ErrNothingToDo):
			fmt.Fprintln(os.Stdout, err)
		case !errors.Is(err, context.Canceled):
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(pipeerr.ExitCode(err))
}
