package main

import (
	"os"

	"github.com/modelgate/modelgate/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
