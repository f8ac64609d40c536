package main

import (
	"fmt"
	"os"

	"github.com/bobuhiro11/mpdev/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "mpdev: %v\n", err)
		os.Exit(1)
	}
}
