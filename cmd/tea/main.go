package main

import (
	"os"

	"github.com/tea/pkg/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		os.Exit(1)
	}
}
