package main

import "astralune/cmd"

func main() {
	cmd.Execute()
}
