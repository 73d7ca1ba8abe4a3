package main

import (
	"fmt"
	"os"

	"github.com/mtomr3/nordmac/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nordmac: %v\n", err)
		os.Exit(1)
	}
}
