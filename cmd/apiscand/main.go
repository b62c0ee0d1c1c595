package main

import (
	"github.com/joho/godotenv"

	"github.com/yourorg/apiscan-orchestrator/internal/cli"
)

func main() {
	// Load environment variables from .env files if present; helps local dev.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cli.Execute()
}
