package main

import "github.com/whalelabs/whale/cmd"

func main() {
	cmd.Execute()
}
