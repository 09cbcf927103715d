package main

import (
	"os"

	"github.com/wardengate/wardengate/cmd/wardengate/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
