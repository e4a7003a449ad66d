package main

import "github.com/sardislabs/sardisd/internal/cli"

func main() {
	cli.Execute()
}
