package main

import (
	"os"

	"github.com/solatis/usbwarden/cmd/usbwarden/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
