package main

import "github.com/openpayroll/pspd/internal/cli"

func main() {
	cli.Execute()
}
