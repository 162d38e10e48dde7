package main

import (
	"os"

	"github.com/roost-sh/roost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
