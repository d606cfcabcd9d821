// The main package for the tspider executable.
package main

import (
	"github.com/JakeFAU/tspider/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
