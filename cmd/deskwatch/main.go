package main

import "github.com/bryanchriswhite/deskwatch/cmd/deskwatch/commands"

func main() {
	commands.Execute()
}
