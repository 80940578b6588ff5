// The main package for the digest executable.
package main

import (
	"github.com/JakeFAU/browsing-digest/cmd"
)

func main() {
	cmd.Execute()
}
