package main

import (
	"context"
	"os"

	"github.com/platinummonkey/plughost/pkg/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), &cli.App{}, os.Args[1:]))
}
