package main

import "github.com/dkeye/voiced/internal/cli"

func main() {
	cli.Execute()
}
