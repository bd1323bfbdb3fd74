// Command studyloop runs the StudyLoop backend: the HTTP API, the Temporal
// worker, and the scheduled sweeps.
//
// @title          StudyLoop API
// @version        1.0
// @description    Material intake, content generation dispatch, status, quota, and realtime run progress.
// @BasePath       /api/v1
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
