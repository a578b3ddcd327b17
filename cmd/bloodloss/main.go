// Package main is the single-binary entrypoint for the blood-loss service.
package main

import "github.com/surgilog/bloodloss/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
