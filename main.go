// The main package for the gridbroker executable.
package main

import (
	"github.com/JakeFAU/gridbroker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
