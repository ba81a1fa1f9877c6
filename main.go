package main

import "github.com/pullrekun/pullrekun/cmd"

func main() {
	cmd.Execute()
}
