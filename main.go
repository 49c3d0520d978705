// The main package for the crawl-lifecycle executable.
package main

import (
	"github.com/JakeFAU/crawl-lifecycle/cmd"
)

func main() {
	cmd.Execute()
}
