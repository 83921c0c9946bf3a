package main

import "github.com/avandersteldt/regionwatch/cmd/regionwatch/commands"

func main() {
	commands.Execute()
}
