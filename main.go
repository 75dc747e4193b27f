package main

import "github.com/mattmorgis/github-token-exchange/cmd"

func main() {
	cmd.Execute()
}
