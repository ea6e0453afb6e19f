package main

import "voltbridge/cmd"

func main() {
	cmd.Execute()
}
