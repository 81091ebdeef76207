package main

import "github.com/LENAX/asset-flow/pkg/cli/cmd"

func main() {
	cmd.Execute()
}
