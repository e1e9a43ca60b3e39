// Package main provides the frep binary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coral-mesh/frep/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
