package main

import (
	"log"

	"spinwin/services/spind"
)

func main() {
	if err := spind.Main(); err != nil {
		log.Fatalf("spind: %v", err)
	}
}
