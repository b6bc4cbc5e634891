package main

import "github.com/jake-scott/controlsd/cmd"

func main() {
	cmd.Execute()
}
