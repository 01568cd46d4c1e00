package main

import "github.com/stonix-project/stonix/internal/cli"

func main() {
	cli.Execute()
}
