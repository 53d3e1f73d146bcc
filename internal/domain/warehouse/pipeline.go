package warehouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/byluca/ct-medical-images/internal/domain/thumbnail"
	"github.com/byluca/ct-medical-images/internal/platform/store"
)

// Status classifies how a single file went.
type Status string

const (
	StatusLoaded  Status = "loaded"  // dimensions resolved, fact inserted or already present
	StatusSkipped Status = "skipped" // unreadable, no usable pixels, or multi-frame
	StatusFailed  Status = "failed"  // storage error while resolving or loading
)

// DefaultProgressInterval is how many files pass between progress log lines.
const DefaultProgressInterval = 25

// SourceFile is a decoded input: its header fields and its pixels.
type SourceFile interface {
	Record
	thumbnail.PixelSource
}

// Opener decodes the file at path.
type Opener func(path string) (SourceFile, error)

// ImageConverter renders a source to a thumbnail and returns where it was
// written.
type ImageConverter interface {
	Convert(ctx context.Context, src thumbnail.PixelSource, sourcePath string) (string, error)
}

// Observer receives pipeline events, typically to update metrics.
type Observer interface {
	FileDone(r FileResult)
	DimensionCreated(collection string)
}

// FileResult is the outcome of processing one input file.
type FileResult struct {
	Path       string
	Status     Status
	Outcome    Outcome
	OutputPath string
	Err        error
}

// Summary aggregates the results of one run.
type Summary struct {
	RunID      string
	Discovered int
	Inserted   int
	Duplicates int
	Skipped    int
	Failed     int
	Duration   time.Duration
	Results    []FileResult
}

func (s *Summary) add(r FileResult) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
	switch r.Outcome {
	case OutcomeInserted:
		s.Inserted++
	case OutcomeDuplicate:
		s.Duplicates++
	}
}

// Discover lists the regular files directly inside dir whose extension
// matches ext case-insensitively, sorted by name. Hidden files are ignored.
func Discover(dir, ext string) ([]string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

// Pipeline loads source files into the warehouse one at a time.
type Pipeline struct {
	store     store.Store
	open      Opener
	converter ImageConverter
	resolver  *Resolver
	facts     *FactLoader

	atomic   bool
	keyCache bool
	logger   zerolog.Logger
	observer Observer
	interval int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

// WithAtomicUpsert makes dimension and fact writes use InsertIfAbsent.
func WithAtomicUpsert(on bool) PipelineOption {
	return func(p *Pipeline) { p.atomic = on }
}

// WithKeyCache makes the resolver remember dimension keys it has already
// seen during the pipeline's lifetime.
func WithKeyCache(on bool) PipelineOption {
	return func(p *Pipeline) { p.keyCache = on }
}

// WithProgressInterval sets how often progress is logged. Zero disables it.
func WithProgressInterval(n int) PipelineOption {
	return func(p *Pipeline) { p.interval = n }
}

// NewPipeline wires a pipeline around one open store handle.
func NewPipeline(st store.Store, open Opener, conv ImageConverter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:     st,
		open:      open,
		converter: conv,
		logger:    zerolog.Nop(),
		interval:  DefaultProgressInterval,
	}
	for _, o := range opts {
		o(p)
	}

	ropts := []ResolverOption{WithResolverLogger(p.logger)}
	if p.atomic {
		ropts = append(ropts, WithAtomicInsert())
	}
	if p.keyCache {
		ropts = append(ropts, WithResolverKeyCache())
	}
	if p.observer != nil {
		ropts = append(ropts, OnCreate(p.observer.DimensionCreated))
	}
	p.resolver = NewResolver(ropts...)
	p.facts = NewFactLoader(st.Collection(FactCollection), p.atomic)
	return p
}

// Run processes every matching file in dir. It stops between files when ctx
// is cancelled and returns the partial summary with ctx's error.
func (p *Pipeline) Run(ctx context.Context, dir, ext string) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: uuid.NewString()}
	log := p.logger.With().Str("run_id", sum.RunID).Logger()

	files, err := Discover(dir, ext)
	if err != nil {
		return sum, err
	}
	sum.Discovered = len(files)
	log.Info().Str("data_dir", dir).Int("files", len(files)).Msg("starting warehouse load")

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			log.Warn().Int("processed", i).Int("total", len(files)).Msg("run cancelled")
			return sum, err
		}

		res := p.ProcessFile(ctx, path)
		sum.add(res)
		p.logResult(log, res)
		if p.observer != nil {
			p.observer.FileDone(res)
		}

		if p.interval > 0 && (i+1)%p.interval == 0 {
			log.Info().Int("processed", i+1).Int("total", len(files)).Msg("progress")
		}
	}

	sum.Duration = time.Since(start)
	log.Info().
		Int("discovered", sum.Discovered).
		Int("inserted", sum.Inserted).
		Int("duplicates", sum.Duplicates).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("warehouse load completed")
	return sum, nil
}

// ProcessFile runs one file through extraction, dimension resolution,
// thumbnail conversion and fact loading. Dimension rows are written before
// the conversion, so a file whose pixels cannot be rendered still leaves
// its dimension rows behind.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) FileResult {
	res := FileResult{Path: path}

	src, err := p.open(path)
	if err != nil {
		res.Status, res.Outcome, res.Err = StatusSkipped, OutcomeSkipped, err
		return res
	}

	ex := Extract(src)
	keys, err := p.resolver.ResolveAll(ctx, p.store, ex)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}

	out, err := p.converter.Convert(ctx, src, path)
	if err != nil {
		res.Status, res.Outcome, res.Err = StatusSkipped, OutcomeSkipped, fmt.Errorf("convert: %w", err)
		return res
	}
	res.OutputPath = out

	outcome, err := p.facts.Load(ctx, Fact{Keys: keys, Measures: ex.Measures, FilePath: out})
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	res.Outcome = outcome
	res.Status = StatusLoaded
	if outcome == OutcomeSkipped {
		res.Status = StatusSkipped
	}
	return res
}

func (p *Pipeline) logResult(log zerolog.Logger, r FileResult) {
	name := filepath.Base(r.Path)
	switch r.Status {
	case StatusFailed:
		log.Error().Err(r.Err).Str("file", name).Msg("file failed")
	case StatusSkipped:
		log.Warn().Err(r.Err).Str("file", name).Msg("file skipped")
	default:
		log.Debug().Str("file", name).Str("outcome", string(r.Outcome)).Str("output", r.OutputPath).Msg("file loaded")
	}
}
