package main

import "github.com/Davincible/claude-bridge/cmd"

func main() {
	cmd.Execute()
}
