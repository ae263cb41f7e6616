package main

import "github.com/schovi/rexec/cmd"

func main() {
	cmd.Execute()
}
