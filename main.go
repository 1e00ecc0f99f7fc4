package main

import "github.com/pkgdrop/pkgdrop/cmd"

func main() {
	cmd.Execute()
}
