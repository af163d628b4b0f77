package main

import (
	"log"

	"github.com/adwski/beacon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
