// Package main is the single-binary entrypoint for swarmd.
package main

import "github.com/neurolov/swarmd/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
