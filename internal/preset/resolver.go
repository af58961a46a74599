// Package preset computes the effective per-item configuration: process
// defaults, then the named preset, then per-item overrides. Conditions are
// applied later, once extractor metadata exists, and append their arguments
// in ascending priority so higher priority wins on conflicting tokens (the
// downloader tool resolves repeated flags last-wins).
package preset

import (
	"log/slog"
	"strings"

	"tubeflow/internal/config"
	"tubeflow/internal/matchfilter"
	"tubeflow/internal/storage"
)

// Effective is the merged configuration a driver runs with.
type Effective struct {
	Preset   string
	Folder   string
	Template string
	Cookies  string
	// Args is the concatenated downloader argument list in precedence
	// order: defaults, preset, item, then condition injections.
	Args []string
	// ArchiveFile is the preset's download_archive path, empty when the
	// preset has none.
	ArchiveFile string
}

type Resolver struct {
	cfg *config.Config
	log *slog.Logger
}

func NewResolver(cfg *config.Config, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{cfg: cfg, log: log}
}

// Resolve merges process defaults, the preset (may be nil), and the item's
// own fields. Scalar fields fall through when unset; cli strings
// concatenate.
func (r *Resolver) Resolve(item *storage.Item, p *storage.Preset) Effective {
	eff := Effective{
		Template: r.cfg.OutputTemplate,
	}

	var cliParts []string
	if p != nil {
		eff.Preset = p.Name
		if p.Folder != "" {
			eff.Folder = p.Folder
		}
		if p.Template != "" {
			eff.Template = p.Template
		}
		if p.Cookies != "" {
			eff.Cookies = p.Cookies
		}
		if p.CLI != "" {
			cliParts = append(cliParts, p.CLI)
		}
		eff.ArchiveFile = p.DownloadArchive
	}

	if item.Folder != "" {
		eff.Folder = item.Folder
	}
	if item.Template != "" {
		eff.Template = item.Template
	}
	if item.Cookies != "" {
		eff.Cookies = item.Cookies
	}
	if item.CLI != "" {
		cliParts = append(cliParts, item.CLI)
	}

	for _, part := range cliParts {
		eff.Args = append(eff.Args, SplitArgs(part)...)
	}
	return eff
}

// ApplyConditions appends each enabled matching condition's arguments to
// eff.Args. Conditions must already be sorted by ascending priority (the
// store query guarantees it). A filter that fails to parse is skipped with
// a warning rather than failing the item.
func (r *Resolver) ApplyConditions(eff *Effective, conditions []storage.Condition, info map[string]any) []string {
	var applied []string
	for _, c := range conditions {
		if !c.Enabled || c.Filter == "" {
			continue
		}
		expr, err := matchfilter.Parse(c.Filter)
		if err != nil {
			r.log.Warn("skipping condition with invalid filter", "condition", c.Name, "error", err)
			continue
		}
		if !expr.Match(info) {
			continue
		}
		if c.CLI != "" {
			eff.Args = append(eff.Args, SplitArgs(c.CLI)...)
		}
		applied = append(applied, c.Name)
	}
	return applied
}

// SplitArgs tokenizes a free-form argument string, honoring single and
// double quotes the way a shell would (without expansion).
func SplitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	var quote byte
	inToken := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\n':
			if inToken {
				args = append(args, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if inToken {
		args = append(args, cur.String())
	}
	return args
}
