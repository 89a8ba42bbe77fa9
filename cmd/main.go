package main

import "github.com/canopy-network/finality/cmd/cli"

func main() {
	cli.Execute()
}
