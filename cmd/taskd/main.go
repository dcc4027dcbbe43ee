package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"taskd/internal/cli"
)

func main() {
	// Optional; real deployments set the environment via the unit file.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
