package main

import "github.com/mooses23/gemachhub/cmd"

func main() {
	cmd.Execute()
}
