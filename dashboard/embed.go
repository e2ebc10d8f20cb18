// Package dashboard embeds the pingstream web UI.
//
// The page lists every watched URL with its latest result, updated live from
// the /events stream, and has a form for adding URLs. The server replaces
// the {{.Title}} placeholder before serving it.
package dashboard

import "embed"

// Assets holds assets/index.html.
//
//go:embed assets/*
var Assets embed.FS
