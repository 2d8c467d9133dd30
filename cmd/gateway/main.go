package main

import (
	"fmt"
	"os"

	"github.com/BlackBearCC/mbti-gateway/cmd/gateway/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
