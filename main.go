package main

import (
	"os"

	"github.com/stratamem/strata/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
