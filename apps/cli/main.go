package main

import (
	"fmt"
	"os"

	"github.com/Sheety35/multi-store-k8s-platform/apps/cli/root"
)

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
