// internal/templates/renderer.go
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/javajoker/versiondigest/internal/i18n"
	"github.com/javajoker/versiondigest/internal/models"
)

//go:embed files/*.tmpl
var files embed.FS

// Rendered is a ready-to-send email body.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type Renderer struct {
	html        *htmltemplate.Template
	text        *texttemplate.Template
	productName string
	lang        string
}

type view struct {
	Lang        string
	ProductName string
	Payload     *models.DigestPayload
}

func funcs() map[string]interface{} {
	return map[string]interface{}{
		"t": i18n.T,
		"date": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.UTC().Format("Jan 2, 2006")
		},
	}
}

// NewRenderer parses the embedded digest templates. lang picks the locale
// for subjects and section headings.
func NewRenderer(productName, lang string) (*Renderer, error) {
	if err := i18n.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to load translations: %w", err)
	}

	html, err := htmltemplate.New("digest.html.tmpl").Funcs(funcs()).ParseFS(files, "files/digest.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse html template: %w", err)
	}
	text, err := texttemplate.New("digest.txt.tmpl").Funcs(funcs()).ParseFS(files, "files/digest.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse text template: %w", err)
	}

	if lang == "" {
		lang = "en"
	}
	return &Renderer{html: html, text: text, productName: productName, lang: lang}, nil
}

// Render produces the subject and both bodies for a digest payload.
func (r *Renderer) Render(payload *models.DigestPayload, emailType models.EmailType) (*Rendered, error) {
	if payload == nil {
		return nil, errors.New("digest payload is nil")
	}

	data := view{Lang: r.lang, ProductName: r.productName, Payload: payload}

	var html bytes.Buffer
	if err := r.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("failed to render html body: %w", err)
	}
	var text bytes.Buffer
	if err := r.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("failed to render text body: %w", err)
	}

	return &Rendered{
		Subject: r.subject(payload, emailType),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func (r *Renderer) subject(payload *models.DigestPayload, emailType models.EmailType) string {
	subject := i18n.T(r.lang, i18n.KeyDigestSubjectQuiet)
	if payload.HasUpdates {
		subject = i18n.T(r.lang, i18n.KeyDigestSubject, payload.TotalUpdates)
	}
	if emailType == models.EmailTypeTestDigest {
		subject = i18n.T(r.lang, i18n.KeyDigestSubjectTest, subject)
	}
	return subject
}
