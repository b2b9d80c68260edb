package main

import (
	"os"

	"github.com/iotgate/iotgate/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
