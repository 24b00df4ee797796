// The main package for the webshot executable.
package main

import (
	"github.com/JakeFAU/webshot/cmd"
)

func main() {
	cmd.Execute()
}
