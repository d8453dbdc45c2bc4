// The main package for the sitecapture executable.
package main

import (
	"github.com/JakeFAU/sitecapture/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
