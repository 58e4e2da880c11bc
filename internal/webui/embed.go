// ABOUTME: Embeds HTML templates and static assets into the binary using go:embed
// ABOUTME: Provides templateFS and staticFS for serving the chat UI

package webui

import "embed"

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS
