package main

import (
	"log"

	"github.com/thiagokokada/qlog-go/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		log.Fatalf("qlog-go: %v", err)
	}
}
