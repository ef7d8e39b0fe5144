// Package main is the entry point for Vigil.
package main

import "vigil/cmd"

func main() {
	cmd.Execute()
}
