package main

import (
	"os"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/cmd/annotator/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
