package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/openindiana-up/cmd"
	"github.com/projecteru2/openindiana-up/supervisor"
)

func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	// An attached hypervisor's exit status becomes ours.
	var exitErr *supervisor.ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		os.Exit(exitErr.Code)
	}
	os.Exit(1)
}
