package main

import (
	"fmt"
	"os"

	"go.ocapkernel.dev/kernel/cmd/kernelctl/app"
)

func main() {
	if err := app.Command().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
