package main

import (
	"os"

	"github.com/tomyedwab/enginehost/cmd/enginectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
