package main

import "github.com/hewjoe/ebay-catalog/internal/cli"

func main() {
	cli.Execute()
}
