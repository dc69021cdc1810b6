package handler

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quill/quill/internal/auth"
)

const layoutTemplate = "layout.html"

// Renderer executes page templates inside the shared layout.
type Renderer struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// NewRenderer parses every page in fsys together with layout.html.
func NewRenderer(fsys fs.FS, logger *slog.Logger) (*Renderer, error) {
	names, err := fs.Glob(fsys, "*.html")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	funcs := template.FuncMap{
		"isoTime":   func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		"shortTime": func(t time.Time) string { return t.UTC().Format("Jan 2, 2006 15:04 MST") },
	}

	pages := make(map[string]*template.Template, len(names))
	for _, name := range names {
		if name == layoutTemplate {
			continue
		}
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(fsys, layoutTemplate, name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[strings.TrimSuffix(name, ".html")] = tmpl
	}

	return &Renderer{pages: pages, logger: logger}, nil
}

// Render writes page with status. Output is buffered so a template error
// never leaves a half-written page.
func (rd *Renderer) Render(w http.ResponseWriter, status int, page string, data any) {
	tmpl, ok := rd.pages[page]
	if !ok {
		rd.logger.Error("unknown template", slog.String("template", page))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		rd.logger.Error("template render failed",
			slog.String("template", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// RenderError renders the generic error page.
func (rd *Renderer) RenderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	rd.Render(w, status, "error", errorView{
		page:    newPage(r),
		Status:  fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Message: message,
	})
}

// page carries the fields the layout needs.
type page struct {
	SignedIn bool
	Email    string
	Flash    string
}

func newPage(r *http.Request) page {
	p := page{Flash: strings.TrimSpace(r.URL.Query().Get("flash"))}
	if a := auth.AuthFromContext(r.Context()); a != nil {
		p.SignedIn = true
		p.Email = a.Email
	}
	return p
}

type errorView struct {
	page
	Status  string
	Message string
}
