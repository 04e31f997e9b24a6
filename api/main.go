package main

import (
	"github.com/joho/godotenv"

	"github.com/modelharbor/modelharbor/api/cmd/modelharbor"
)

func main() {
	_ = godotenv.Load()
	modelharbor.Execute()
}
