package main

import (
	"os"

	"k8s.io/component-base/cli"

	"go.ocapkernel.dev/kernel/cmd/kerneld/app"
)

func main() {
	code := cli.Run(app.Command())
	os.Exit(code)
}
