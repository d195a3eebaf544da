package main

import (
	"fmt"
	"os"

	"github.com/stevedore-sh/stevedore/internal/client"
)

func main() {
	if err := client.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
