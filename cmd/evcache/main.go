package main

import "evcache/internal/cli"

func main() {
	cli.Execute()
}
