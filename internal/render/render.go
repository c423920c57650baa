// Package render fills message templates from a field map.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"leadline/internal/fee"
)

//go:embed templates/*.tmpl
var builtin embed.FS

const (
	Outreach = "outreach"
	Followup = "followup"
)

// Document is a rendered message.
type Document struct {
	Subject string
	Body    string
}

// Renderer turns a template id and fields into a document.
type Renderer interface {
	Render(templateID string, fields map[string]any) (Document, error)
}

// Templates renders the built-in templates, overridden by any
// "<id>.tmpl" file found in Dir.
type Templates struct {
	Fs  afero.Fs
	Dir string
}

var funcs = template.FuncMap{
	"firstName": firstName,
	"money":     func(m fee.Money) string { return m.String() },
	"title":     func(s string) string { return cases.Title(language.English).String(s) },
	"join":      strings.Join,
	"reSubject": ReplySubject,
}

func (t Templates) source(id string) (string, error) {
	if t.Dir != "" {
		fs := t.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		path := filepath.Join(t.Dir, id+".tmpl")
		data, err := afero.ReadFile(fs, path)
		if err == nil {
			return string(data), nil
		}
		if ok, _ := afero.Exists(fs, path); ok {
			return "", fmt.Errorf("read template %s: %w", path, err)
		}
	}
	data, err := builtin.ReadFile("templates/" + id + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("unknown template %q", id)
	}
	return string(data), nil
}

// Render executes the template. The first line must be "Subject: ...";
// the rest after a blank line is the body. Missing fields are errors.
func (t Templates) Render(templateID string, fields map[string]any) (Document, error) {
	src, err := t.source(templateID)
	if err != nil {
		return Document{}, err
	}
	tpl, err := template.New(templateID).Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return Document{}, fmt.Errorf("parse template %s: %w", templateID, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, fields); err != nil {
		return Document{}, fmt.Errorf("render %s: %w", templateID, err)
	}
	return split(buf.String())
}

func split(out string) (Document, error) {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	first, rest, _ := strings.Cut(out, "\n")
	subject, ok := strings.CutPrefix(strings.TrimSpace(first), "Subject:")
	if !ok {
		return Document{}, errors.New("template output must start with a Subject: line")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Document{}, errors.New("rendered subject is empty")
	}
	return Document{Subject: subject, Body: strings.TrimSpace(rest)}, nil
}

func firstName(full string) string {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "there"
	}
	return parts[0]
}

// ReplySubject prefixes s with "Re: " unless it already has one.
func ReplySubject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}
