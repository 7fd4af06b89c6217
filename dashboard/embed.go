// Package dashboard provides the embedded status page for mediamon.
//
// The page lists every probe's last outcome from /api/status and keeps it
// current from the /api/sse stream. It is served by the server package at
// "/"; library users do not need to interact with this package directly.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the status page.
//
//	assets/
//	  index.html    - status page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
