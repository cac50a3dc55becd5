package main

import (
	"fmt"
	"os"

	"github.com/xiaot623/gogo/sandboxrun/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Run(os.Args[1:], version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
