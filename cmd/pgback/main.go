// Package main is the entry point for pgback.
package main

import (
	"os"

	"github.com/fgeck/pgback/internal/models"
)

func main() {
	os.Exit(models.ExitCode(Execute()))
}
