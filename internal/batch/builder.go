// Package batch expands one job descriptor into the ordered list of shell
// commands the orchestrator runs.
//
// The discriminant selects a strategy from a fixed table. Unknown products
// produce exactly one command; the sync and conversion products iterate a
// year range (and, depending on the product, months and day windows) and
// produce one command per step, years ascending, then months, then windows.
package batch

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/andrej220/remexec/internal/daterange"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/template"
)

// ErrConfiguration is returned for a malformed year range or product override.
var ErrConfiguration = daterange.ErrConfiguration

// Template fields set by the strategies. They take precedence over values
// the caller supplied under the same name.
const (
	FieldPath          = "path"
	FieldYear          = "year"
	FieldTrashArchived = "trasharchived"
	FieldTimeRange     = "time_range"
	FieldS3Output      = "s3_output"
	FieldTag           = "tag"
	// FieldYearRange lets a descriptor override the configured year range.
	FieldYearRange = "year_range"
)

// Default template names per strategy.
const (
	TemplateSync = "sync"
	TemplateCOG  = "cog"
)

// Config is the job configuration a Builder is built from.
type Config struct {
	YearRange       string
	DefaultTemplate string
	Templates       map[string]string
	// Locations overrides the built-in base path and suffix of known sync
	// products.
	Locations map[string]Location
}

// Batch is the ordered command list for one job.
type Batch struct {
	Product  string
	Strategy Strategy
	Commands []string
}

func (b Batch) Len() int { return len(b.Commands) }

// Builder expands descriptors. It holds no per-job state and is safe for
// concurrent use; a configuration change means building a new Builder.
type Builder struct {
	yearRange       *daterange.Spec
	defaultTemplate string
	templates       map[string]string
	locations       map[Product]Location
}

// NewBuilder validates cfg and returns a Builder for it.
func NewBuilder(cfg Config) (*Builder, error) {
	b := &Builder{
		defaultTemplate: cfg.DefaultTemplate,
		templates:       maps.Clone(cfg.Templates),
		locations:       make(map[Product]Location, len(variants)),
	}
	if b.templates == nil {
		b.templates = map[string]string{}
	}
	if cfg.YearRange != "" {
		spec, err := daterange.Parse(cfg.YearRange)
		if err != nil {
			return nil, err
		}
		b.yearRange = &spec
	}
	for p := range variants {
		if loc, ok := p.Location(); ok {
			b.locations[p] = loc
		}
	}
	for name, loc := range cfg.Locations {
		p, ok := ParseProduct(name)
		if !ok {
			return nil, fmt.Errorf("%w: override for unknown product %q", ErrConfiguration, name)
		}
		if _, ok := b.locations[p]; !ok {
			return nil, fmt.Errorf("%w: product %q has no sync location", ErrConfiguration, name)
		}
		if loc.BasePath == "" {
			return nil, fmt.Errorf("%w: product %q: empty base path", ErrConfiguration, name)
		}
		b.locations[p] = loc
	}
	return b, nil
}

// Build expands d. The descriptor is not modified.
func (b *Builder) Build(d jobspec.Descriptor) (Batch, error) {
	if err := d.Validate(); err != nil {
		return Batch{}, err
	}
	job := d.Clone()
	product, _ := ParseProduct(job.Product)

	var (
		commands []string
		err      error
	)
	strategy := product.Strategy()
	switch strategy {
	case StrategySceneSync:
		commands, err = b.sceneSync(product, job)
	case StrategyGranuleSync:
		commands, err = b.granuleSync(product, job)
	case StrategyWindowed:
		if job.HasField(FieldTimeRange) {
			strategy = StrategySingle
			commands, err = b.conversion(product, job)
		} else {
			commands, err = b.windowed(product, job)
		}
	default:
		commands, err = b.single(job)
	}
	if err != nil {
		return Batch{}, err
	}
	return Batch{Product: job.Product, Strategy: strategy, Commands: commands}, nil
}

func (b *Builder) single(job jobspec.Descriptor) ([]string, error) {
	if len(job.Args) > 0 {
		cmd, err := template.ExpandFlags(job)
		if err != nil {
			return nil, err
		}
		return []string{cmd}, nil
	}
	tmpl, err := b.resolveTemplate(job, "")
	if err != nil {
		return nil, err
	}
	cmd, err := template.Expand(tmpl, job)
	if err != nil {
		return nil, err
	}
	return []string{cmd}, nil
}

func (b *Builder) sceneSync(p Product, job jobspec.Descriptor) ([]string, error) {
	span, err := b.years(job)
	if err != nil {
		return nil, err
	}
	tmpl, err := b.resolveTemplate(job, TemplateSync)
	if err != nil {
		return nil, err
	}
	loc := b.locations[p]
	trash := "no"
	if v, ok := job.Fields[FieldTrashArchived]; ok {
		trash = v
	}

	commands := make([]string, 0, span.Len())
	for _, year := range span.Years() {
		y := strconv.Itoa(year)
		cmd, err := template.Expand(tmpl, job.With(map[string]string{
			FieldPath:          loc.BasePath + y + "/??" + loc.Suffix,
			FieldYear:          y,
			FieldTrashArchived: trash,
		}))
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func (b *Builder) granuleSync(p Product, job jobspec.Descriptor) ([]string, error) {
	span, err := b.years(job)
	if err != nil {
		return nil, err
	}
	tmpl, err := b.resolveTemplate(job, TemplateSync)
	if err != nil {
		return nil, err
	}
	loc := b.locations[p]

	commands := make([]string, 0, span.Len()*len(daterange.Months))
	for _, year := range span.Years() {
		y := strconv.Itoa(year)
		for _, month := range daterange.Months {
			cmd, err := template.Expand(tmpl, job.With(map[string]string{
				FieldPath: loc.BasePath + y + "-" + month + "-*/*/" + loc.Suffix,
				FieldYear: y,
			}))
			if err != nil {
				return nil, err
			}
			commands = append(commands, cmd)
		}
	}
	return commands, nil
}

func (b *Builder) windowed(p Product, job jobspec.Descriptor) ([]string, error) {
	span, err := b.years(job)
	if err != nil {
		return nil, err
	}
	tmpl, err := b.resolveTemplate(job, TemplateCOG)
	if err != nil {
		return nil, err
	}
	target, _ := p.Target()

	commands := make([]string, 0, span.Len()*len(daterange.Months)*len(daterange.Windows))
	for _, year := range span.Years() {
		y := strconv.Itoa(year)
		for _, month := range daterange.Months {
			for _, w := range daterange.Windows {
				cmd, err := template.Expand(tmpl, job.With(map[string]string{
					FieldTimeRange: w.Expression(year, month),
					FieldYear:      y,
					FieldS3Output:  target.S3Output,
					FieldTag:       target.Tag,
				}))
				if err != nil {
					return nil, err
				}
				commands = append(commands, cmd)
			}
		}
	}
	return commands, nil
}

// conversion runs a conversion product once over the caller's own time range.
func (b *Builder) conversion(p Product, job jobspec.Descriptor) ([]string, error) {
	tmpl, err := b.resolveTemplate(job, TemplateCOG)
	if err != nil {
		return nil, err
	}
	target, _ := p.Target()
	cmd, err := template.Expand(tmpl, job.With(map[string]string{
		FieldS3Output: target.S3Output,
		FieldTag:      target.Tag,
	}))
	if err != nil {
		return nil, err
	}
	return []string{cmd}, nil
}

func (b *Builder) years(job jobspec.Descriptor) (daterange.Spec, error) {
	if v, ok := job.Fields[FieldYearRange]; ok {
		return daterange.Parse(v)
	}
	if b.yearRange == nil {
		return daterange.Spec{}, fmt.Errorf("%w: product %q needs a year range", ErrConfiguration, job.Product)
	}
	return *b.yearRange, nil
}

// resolveTemplate picks the template for a job: a configured template named
// by the descriptor's command, the command itself as a literal template, the
// strategy default, then the global default.
func (b *Builder) resolveTemplate(job jobspec.Descriptor, fallback string) (string, error) {
	if job.Command != "" {
		if tmpl, ok := b.templates[job.Command]; ok {
			return tmpl, nil
		}
		return job.Command, nil
	}
	if fallback != "" {
		if tmpl, ok := b.templates[fallback]; ok {
			return tmpl, nil
		}
	}
	if b.defaultTemplate != "" {
		return b.defaultTemplate, nil
	}
	return "", &template.TemplateError{Field: jobspec.KeyCommand, Reason: "no command given and no template configured"}
}
