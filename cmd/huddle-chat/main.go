package main

import (
	"log"
	"os"

	"huddle/cmd/internal/app"
)

func main() {
	if err := app.RunChat(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
