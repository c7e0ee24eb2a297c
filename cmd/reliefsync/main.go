package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/kimhsiao/reliefsync/backend/internal/commands"
)

// Populated at build-time via -ldflags.
var version = "dev"

func build() string {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				return mv
			}
		}
	}
	return version
}

func main() {
	commands.LoadEnv()

	root := commands.NewRoot(&commands.Flags{}, build())
	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
