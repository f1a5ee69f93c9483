package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/metalagman/specdrive/internal/pipeline"
)

// Exit codes of the CLI surface.
const (
	exitOK       = 0
	exitSoftFail = 1
	exitHardFail = 2
	exitInfra    = 3
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var halt *pipeline.HaltError
	var human *pipeline.HumanInputNeeded
	var hard *hardFailError
	var soft *softFailError
	switch {
	case errors.As(err, &halt), errors.As(err, &human), errors.As(err, &hard):
		return exitHardFail
	case errors.As(err, &soft):
		return exitSoftFail
	default:
		return exitInfra
	}
}

// softFailError marks warnings promoted to failures by a strict flag.
type softFailError struct {
	msg string
}

func (e *softFailError) Error() string { return e.msg }

// hardFailError marks escalations and strict-mode artifact gaps.
type hardFailError struct {
	msg string
}

func (e *hardFailError) Error() string { return e.msg }
