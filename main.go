package main

import "github.com/nextlevelbuilder/chatloom/cmd"

func main() {
	cmd.Execute()
}
