package main

import "github.com/ppiankov/impetus/internal/cli"

func main() {
	cli.Execute()
}
