// The main package for the imgharvest executable.
package main

import (
	"github.com/JakeFAU/imgharvest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
