// Enqueue uploads model files, records the version and publishes the
// upload job the worker builds.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Environ()).Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
