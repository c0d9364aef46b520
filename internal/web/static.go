package web

import (
	"embed"
)

// staticFiles holds the control page (index.html, style.css), served at /
// and /static/.
//
//go:embed static/*
var staticFiles embed.FS
