// Package main runs vbcb-bot, a bot that keeps a session on a vBulletin
// chatbox and reacts to the messages posted there.
package main

import (
	"os"

	"vbcb-bot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
