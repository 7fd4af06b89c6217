// Standalone mock media stack for trying the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/mediamon serve -c example/config.yaml
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jpalmerr/mediamon/example/mockmedia"
)

func main() {
	fmt.Println("Mock media stack starting on :9999")
	fmt.Println("Activity changes every 20-60 seconds")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := http.ListenAndServe(":9999", mockmedia.New(logger)); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
