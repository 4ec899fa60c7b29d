package main

import "github.com/tallyhq/tallyd/internal/cli"

func main() {
	cli.Execute()
}
