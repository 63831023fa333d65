// Package archive assembles the deliverable ZIP for a purchased template.
// Archives are built on the fly and streamed straight to the response writer;
// nothing touches disk.
package archive

import (
	"archive/zip"
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/runyourtrip/server/internal/storage"
)

// Builder renders template archives.
type Builder struct {
	supportEmail string
}

// NewBuilder creates a Builder. supportEmail lands in the generated README.
func NewBuilder(supportEmail string) *Builder {
	return &Builder{supportEmail: supportEmail}
}

// Slug lowercases a template name and collapses whitespace runs to hyphens,
// producing the filename stem used in Content-Disposition.
func Slug(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

// Filename returns the attachment filename for a template.
func Filename(name string) string {
	return Slug(name) + "-template.zip"
}

// codeBundle is the JSON shape some templates store in their code column.
// Single-page templates store raw HTML instead.
type codeBundle struct {
	HTML       string `json:"html"`
	CSS        string `json:"css"`
	JS         string `json:"js"`
	JavaScript string `json:"javascript"`
	Files      []struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	} `json:"files"`
}

// Write streams a complete archive to w and reports the compressed byte
// count. Once the first byte is written the response is committed; callers
// must not attempt a second response after an error from here.
func (b *Builder) Write(w io.Writer, tpl storage.Template, p storage.Purchase) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	if err := writeEntry(zw, "README.md", b.readme(tpl)); err != nil {
		return cw.n, err
	}

	for _, f := range codeFiles(tpl.Code) {
		if err := writeEntry(zw, f.name, f.content); err != nil {
			return cw.n, err
		}
	}

	if isSaaS(tpl.Category) {
		if err := writeEntry(zw, "package.json", packageJSON(tpl)); err != nil {
			return cw.n, err
		}
	}

	if err := writeEntry(zw, "LICENSE", license(tpl, p)); err != nil {
		return cw.n, err
	}

	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("archive: close: %w", err)
	}
	return cw.n, nil
}

type namedFile struct {
	name    string
	content string
}

// codeFiles splits a code payload into archive entries. A payload that
// doesn't parse as a bundle is a single raw HTML document.
func codeFiles(code string) []namedFile {
	var bundle codeBundle
	if err := json.Unmarshal([]byte(code), &bundle); err != nil {
		return []namedFile{{"index.html", code}}
	}

	js := bundle.JS
	if js == "" {
		js = bundle.JavaScript
	}

	var out []namedFile
	if bundle.HTML != "" {
		out = append(out, namedFile{"index.html", bundle.HTML})
	}
	if bundle.CSS != "" {
		out = append(out, namedFile{"styles.css", bundle.CSS})
	}
	if js != "" {
		out = append(out, namedFile{"script.js", js})
	}
	for _, f := range bundle.Files {
		if f.Name == "" {
			continue
		}
		out = append(out, namedFile{f.Name, f.Content})
	}

	// Valid JSON that carries none of the expected keys (a bare string or
	// number would decode into an empty bundle) still falls back to raw HTML.
	if len(out) == 0 {
		return []namedFile{{"index.html", code}}
	}
	return out
}

// isSaaS reports whether the category warrants a package.json scaffold.
func isSaaS(category string) bool {
	c := strings.ToLower(category)
	return strings.Contains(c, "saas") || strings.Contains(c, "booking")
}

func writeEntry(zw *zip.Writer, name, content string) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", name, err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	return nil
}

func (b *Builder) readme(tpl storage.Template) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", tpl.Name)
	sb.WriteString("Thank you for your purchase from Run Your Trip!\n\n")
	sb.WriteString("## Getting started\n\n")
	sb.WriteString("1. Unzip this archive.\n")
	sb.WriteString("2. Open `index.html` in your browser to preview the template.\n")
	sb.WriteString("3. Edit the files with any text editor and deploy to your hosting provider.\n\n")
	if isSaaS(tpl.Category) {
		sb.WriteString("This template ships with a `package.json`. Run `npm install` followed by\n`npm start` to serve it locally.\n\n")
	}
	sb.WriteString("## Support\n\n")
	fmt.Fprintf(&sb, "Questions or issues? Contact us at %s.\n", b.supportEmail)
	return sb.String()
}

func packageJSON(tpl storage.Template) string {
	manifest := map[string]any{
		"name":        Slug(tpl.Name),
		"version":     "1.0.0",
		"description": tpl.Name + " - purchased from Run Your Trip",
		"scripts": map[string]string{
			"start": "npx serve .",
		},
		"private": true,
	}
	data, _ := json.MarshalIndent(manifest, "", "  ")
	return string(data) + "\n"
}

func license(tpl storage.Template, p storage.Purchase) string {
	return fmt.Sprintf(`TEMPLATE LICENSE

Template: %s
Licensed to: %s
Purchase date: %s

This license grants the buyer identified above a personal, non-transferable
right to use and modify this template for their own projects.

The buyer may NOT resell, redistribute, or sublicense this template or any
derivative of it, in whole or in part.

This license is tied to the purchase above and is not transferable to any
other person or organization.
`, tpl.Name, p.UserID, p.PurchaseDate.UTC().Format("2006-01-02"))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
