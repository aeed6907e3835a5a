package main

import (
	"os"

	"github.com/koltyakov/managedsp/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
