package extract

import (
	"bytes"
	"context"
	"html"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// DefaultExtensions are the file types accepted for upload
var DefaultExtensions = []string{".txt", ".md", ".markdown", ".html", ".htm", ".pdf"}

// ErrPDFToolNotFound is returned when pdftotext is not installed
var ErrPDFToolNotFound = goerr.New("pdftotext not found in PATH")

// CommandRunner runs an external program feeding stdin and returns its stdout
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, goerr.Wrap(ErrPDFToolNotFound, err.Error())
	}
	// #nosec G204 - name is a fixed tool name and args are constants
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	return cmd.Output()
}

// Extractor turns uploaded file bytes into plain text
type Extractor struct {
	allowed map[string]bool
	runner  CommandRunner
	pdfTool string
}

// Option configures an Extractor
type Option func(*Extractor)

// WithExtensions replaces the accepted file extensions
func WithExtensions(exts ...string) Option {
	return func(e *Extractor) {
		e.allowed = make(map[string]bool, len(exts))
		for _, ext := range exts {
			e.allowed[strings.ToLower(ext)] = true
		}
	}
}

// WithRunner replaces the command runner used for PDF extraction
func WithRunner(r CommandRunner) Option {
	return func(e *Extractor) {
		e.runner = r
	}
}

// New creates an Extractor. PDF text is read with pdftotext.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		runner:  execRunner{},
		pdfTool: "pdftotext",
	}
	WithExtensions(DefaultExtensions...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supports reports whether name has an accepted extension
func (e *Extractor) Supports(name string) bool {
	return e.allowed[strings.ToLower(filepath.Ext(name))]
}

// Extract returns the text of the file. Unsupported, binary or empty input
// fails with model.ErrChunking since no chunk could ever be produced from it.
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !e.allowed[ext] {
		return "", goerr.Wrap(model.ErrChunking, "unsupported file type",
			goerr.V("source_name", name),
			goerr.V("extension", ext))
	}

	var text string
	switch ext {
	case ".html", ".htm":
		if err := checkText(data); err != nil {
			return "", goerr.Wrap(err, "invalid html", goerr.V("source_name", name))
		}
		text = StripHTML(string(data))
	case ".pdf":
		out, err := e.pdfText(ctx, data)
		if err != nil {
			return "", goerr.Wrap(err, "failed to extract pdf text", goerr.V("source_name", name))
		}
		text = out
	default:
		if err := checkText(data); err != nil {
			return "", goerr.Wrap(err, "invalid text file", goerr.V("source_name", name))
		}
		text = string(data)
	}

	if strings.TrimSpace(text) == "" {
		return "", goerr.Wrap(model.ErrChunking, "no text found in file", goerr.V("source_name", name))
	}
	return text, nil
}

func checkText(data []byte) error {
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return goerr.Wrap(model.ErrChunking, "file is not text")
	}
	return nil
}

func (e *Extractor) pdfText(ctx context.Context, data []byte) (string, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return "", goerr.Wrap(model.ErrChunking, "file does not look like a PDF")
	}

	out, err := e.runner.Run(ctx, data, e.pdfTool, "-layout", "-enc", "UTF-8", "-", "-")
	if err != nil {
		return "", goerr.Wrap(err, "pdftotext failed")
	}
	if !utf8.Valid(out) {
		return "", goerr.Wrap(model.ErrChunking, "pdf text layer is not valid UTF-8")
	}
	// pdftotext separates pages with form feeds
	return strings.ReplaceAll(string(out), "\f", "\n\n"), nil
}

// Pre-compiled regular expressions for HTML parsing
var (
	scriptTag     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headTag       = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlComments  = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockElements = regexp.MustCompile(`(?i)</?(p|div|br|hr|h[1-6]|li|tr|blockquote|pre|table|section|article)\b[^>]*>`)
	allTags       = regexp.MustCompile(`<[^>]+>`)
	multiSpaces   = regexp.MustCompile(`[ \t]+`)
)

// StripHTML removes markup and returns readable text with one paragraph per block element
func StripHTML(content string) string {
	content = scriptTag.ReplaceAllString(content, "")
	content = styleTag.ReplaceAllString(content, "")
	content = headTag.ReplaceAllString(content, "")
	content = htmlComments.ReplaceAllString(content, "")
	content = blockElements.ReplaceAllString(content, "\n")
	content = allTags.ReplaceAllString(content, "")
	content = html.UnescapeString(content)
	content = multiSpaces.ReplaceAllString(content, " ")

	var paragraphs []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paragraphs = append(paragraphs, line)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}
