package main

import "github.com/snafus/zipspy/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
