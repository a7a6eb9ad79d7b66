package main

import (
	"os"

	"github.com/andrej220/remexec/cmd/remexec/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
