// Command sysparam inspects and edits a flash parameter area, either in a
// flash image on disk or on a remote store served by "sysparam serve".
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
