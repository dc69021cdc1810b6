// Package web holds the server-rendered page templates and static assets.
package web

import "embed"

// Templates contains templates/*.html.
//
//go:embed templates/*.html
var Templates embed.FS

// Static contains static/*.
//
//go:embed static/*
var Static embed.FS
