package main

import (
	"os"

	"Mokpell/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
