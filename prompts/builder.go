// Package prompts renders the instruction prompt sent to the model for each
// kind of plan update.
package prompts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/moprocor/planning"
)

const (
	dataHeader     = "Here is the data to process:"
	jsonDirective  = "Please provide your response as a valid JSON object with the updated production plan. Respond with the JSON object only."
	runsFormatHead = "Output format for production runs (use it unless an output format for programs is given below):"
	programsHead   = "Output format for programs:"
)

// Builder renders prompts from a template. The template is read once at
// construction and may be replaced by Reload or Watch. Safe for concurrent use.
type Builder struct {
	mu     sync.RWMutex
	tmpl   *Template
	path   string
	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder loads the template at path. An empty path selects the
// embedded default. A template that cannot be loaded is logged and replaced
// by the minimal built-in template; construction never fails.
func NewBuilder(path string, opts ...Option) *Builder {
	b := &Builder{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	if path == "" {
		b.tmpl = DefaultTemplate()
	} else if t, err := LoadTemplate(path); err != nil {
		b.logger.Warn("Failed to load prompt template, using built-in instructions",
			"path", path,
			"error", err)
		b.tmpl = FallbackTemplate()
	} else {
		b.tmpl = t
	}

	b.logger.Debug("Prompt template ready", "path", path, "version", b.tmpl.Version)
	return b
}

// NewBuilderFromTemplate wraps an already parsed template.
func NewBuilderFromTemplate(t *Template) *Builder {
	return &Builder{tmpl: t, logger: slog.Default()}
}

// Version returns the version string of the active template.
func (b *Builder) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tmpl.Version
}

// Build renders the prompt for kind over data. It never fails: unknown
// kinds get the generic instruction and data that cannot be encoded as
// JSON is rendered with fmt.
func (b *Builder) Build(kind planning.ActionKind, data any) string {
	b.mu.RLock()
	t := b.tmpl
	b.mu.RUnlock()

	kt := t.Kinds[kind]
	specific := kt.Instructions
	if specific == "" {
		specific = fallbackKinds[kind]
	}
	if specific == "" {
		specific = genericInstruction
	}

	runsFormat := t.OutputFormat
	if kind != planning.KindDeliveryDate && kt.OutputFormat != nil {
		runsFormat = kt.OutputFormat
	}

	var sb strings.Builder
	sb.WriteString(t.Instructions)
	sb.WriteString("\n\n")
	sb.WriteString(specific)
	sb.WriteString("\n\n")
	sb.WriteString(dataHeader)
	sb.WriteString("\n")
	sb.WriteString(b.render(kind, data))
	sb.WriteString("\n\n")
	sb.WriteString(jsonDirective)
	sb.WriteString("\n\n")
	sb.WriteString(runsFormatHead)
	sb.WriteString("\n")
	sb.WriteString(b.render(kind, runsFormat))

	if kind == planning.KindDeliveryDate && kt.OutputFormat != nil {
		sb.WriteString("\n\n")
		sb.WriteString(programsHead)
		sb.WriteString("\n")
		sb.WriteString(b.render(kind, kt.OutputFormat))
	}

	return sb.String()
}

// render encodes v as indented JSON. Map keys are sorted and time.Time
// values use RFC 3339, so equal inputs give byte-identical output.
func (b *Builder) render(kind planning.ActionKind, v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		b.logger.Warn("Prompt data is not JSON encodable, rendering as text",
			"kind", kind,
			"error", err)
		return fmt.Sprintf("%+v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Reload re-reads the template file. On failure the current template is
// kept and the error returned.
func (b *Builder) Reload() error {
	if b.path == "" {
		return nil
	}
	t, err := LoadTemplate(b.path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.tmpl = t
	b.mu.Unlock()

	b.logger.Info("Prompt template reloaded", "path", b.path, "version", t.Version)
	return nil
}

// Watch reloads the template whenever its file is written or replaced,
// until ctx is cancelled. The parent directory is watched so editors that
// rename over the file are handled.
func (b *Builder) Watch(ctx context.Context) error {
	if b.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(b.path), err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(b.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := b.Reload(); err != nil {
					b.logger.Warn("Prompt template reload failed, keeping previous version",
						"path", b.path,
						"error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn("Prompt template watcher error", "error", err)
			}
		}
	}()

	return nil
}
