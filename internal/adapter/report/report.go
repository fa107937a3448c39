package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	_ "embed"

	"github.com/jgivc/dumpsearch/internal/entity"
	"github.com/spf13/afero"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const filePerm = 0o644

//go:embed report.html
var defaultTemplate string

type page struct {
	Title string
	Body  template.HTML
}

type reportAdapter struct {
	fs  afero.Fs
	md  goldmark.Markdown
	tpl *template.Template
}

// NewReportAdapter uses templateFileName as the page template, or the
// embedded one when it is empty. The template gets .Title and .Body.
func NewReportAdapter(fs afero.Fs, templateFileName string) (*reportAdapter, error) {
	src := defaultTemplate
	if templateFileName != "" {
		data, err := afero.ReadFile(fs, templateFileName)
		if err != nil {
			return nil, fmt.Errorf("cannot read template: %w", err)
		}

		src = string(data)
	}

	tpl, err := template.New("report").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("cannot parse template: %w", err)
	}

	return &reportAdapter{
		fs:  fs,
		md:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		tpl: tpl,
	}, nil
}

// Markdown renders the summary as a Markdown document.
func Markdown(s *entity.RunSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", s.RunID)
	fmt.Fprintf(&b, "Started %s, took %s.\n\n", s.StartedAt.UTC().Format(time.RFC3339), s.Duration.Round(time.Millisecond))

	if s.DryRun {
		b.WriteString("Dry run: no files were downloaded.\n\n")
	}

	b.WriteString("| Descriptors | Attempted | Succeeded | Failed | Records |\n")
	b.WriteString("|---:|---:|---:|---:|---:|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d |\n\n", s.Descriptors, s.Attempted, s.Succeeded, s.Failed, s.Records)

	if len(s.Failures) > 0 {
		b.WriteString("## Failed files\n\n")
		b.WriteString("| URL | Source | Attempts | Error |\n")
		b.WriteString("|---|---|---:|---|\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", cell(f.URL), cell(f.SourceID), f.Attempts, cell(f.Error))
		}
		b.WriteString("\n")
	}

	if len(s.SinkErrors) > 0 {
		b.WriteString("## Sink errors\n\n")
		b.WriteString("| Sink | Error |\n")
		b.WriteString("|---|---|\n")
		for name, msg := range s.SinkErrors {
			fmt.Fprintf(&b, "| %s | %s |\n", cell(name), cell(msg))
		}
	}

	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}

func (a *reportAdapter) Render(s *entity.RunSummary) ([]byte, error) {
	var body bytes.Buffer
	if err := a.md.Convert([]byte(Markdown(s)), &body); err != nil {
		return nil, fmt.Errorf("cannot convert markdown: %w", err)
	}

	var out bytes.Buffer
	if err := a.tpl.Execute(&out, page{Title: "Run " + s.RunID, Body: template.HTML(body.String())}); err != nil {
		return nil, fmt.Errorf("cannot execute template: %w", err)
	}

	return out.Bytes(), nil
}

func (a *reportAdapter) Write(path string, s *entity.RunSummary) error {
	data, err := a.Render(s)
	if err != nil {
		return err
	}

	if err := afero.WriteFile(a.fs, path, data, filePerm); err != nil {
		return fmt.Errorf("cannot write report %s: %w", path, err)
	}

	return nil
}
