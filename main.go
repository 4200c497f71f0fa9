package main

import "github.com/dayuer/nanobot-hub/cmd"

func main() {
	cmd.Execute()
}
