package main

import (
	"os"

	"github.com/mandiear/offline-cache/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
