package main

import "github.com/dayuer/supportbot/cmd"

func main() {
	cmd.Execute()
}
