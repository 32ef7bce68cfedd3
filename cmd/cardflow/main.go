package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/imkarma/cardflow/internal/cli"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
