package main

import (
	"github.com/joho/godotenv"

	"github.com/jakebbass/afilli/cmd/afilli/commands"
)

func main() {
	// Provider keys usually live in .env next to afilli.yaml; a missing file is fine.
	_ = godotenv.Load()
	commands.Execute()
}
