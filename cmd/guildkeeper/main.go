package main

import (
	"fmt"
	"os"

	"github.com/small-frappuccino/guildkeeper/pkg/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "guildkeeper: %v\n", err)
		os.Exit(1)
	}
}
