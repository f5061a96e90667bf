// Package converter resolves a (source, target) format pair to a conversion strategy and runs it.
//
// Resolution order is fixed: an exact pair registered in the table wins, then a generic strategy
// registered for the (source category, target category) pair, then the raw copy fallback. The
// fallback always produces an output file and reports the outcome as degraded.
package converter

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cuongbtq/file-converter/internal/format"
)

// Request describes one conversion. Input is never modified; Output is only ever written whole.
type Request struct {
	Input  string
	Output string
	Source format.Format
	Target format.Format
	// Name is the original file name, used when an archive has to wrap the input
	Name string
}

// Outcome describes how the output was produced
type Outcome struct {
	Strategy string
	Degraded bool
	Note     string
}

// Strategy converts one file. Implementations must be safe for concurrent use.
type Strategy interface {
	Name() string
	Convert(ctx context.Context, req Request) (Outcome, error)
}

// Options configures the default strategies
type Options struct {
	FFmpegPath   string
	PandocPath   string
	SevenZipPath string
	UnrarPath    string
	RarPath      string
	GotenbergURL string
	ImageQuality int
	AudioBitrate string
	HTTPClient   *http.Client
	Runner       Runner
}

func (o *Options) setDefaults() {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.PandocPath == "" {
		o.PandocPath = "pandoc"
	}
	if o.SevenZipPath == "" {
		o.SevenZipPath = "7z"
	}
	if o.UnrarPath == "" {
		o.UnrarPath = "unrar"
	}
	if o.RarPath == "" {
		o.RarPath = "rar"
	}
	if o.ImageQuality <= 0 || o.ImageQuality > 100 {
		o.ImageQuality = DefaultImageQuality
	}
	if o.AudioBitrate == "" {
		o.AudioBitrate = DefaultAudioBitrate
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

type pairKey struct {
	source format.Format
	target format.Format
}

type categoryKey struct {
	source format.Category
	target format.Category
}

// Registry maps format pairs to strategies
type Registry struct {
	mu          sync.RWMutex
	exact       map[pairKey]Strategy
	generic     map[categoryKey]Strategy
	fallback    Strategy
	passthrough Strategy
}

// NewEmptyRegistry creates a registry that only knows the copy fallback
func NewEmptyRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		exact:       make(map[pairKey]Strategy),
		generic:     make(map[categoryKey]Strategy),
		fallback:    &copyStrategy{name: StrategyCopy, degraded: true, logger: logger},
		passthrough: &copyStrategy{name: StrategyPassthrough, logger: logger},
	}
}

// NewRegistry creates a registry wired with the default strategies
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	opts.setDefaults()
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}

	r := NewEmptyRegistry(logger)

	img := &imageStrategy{quality: opts.ImageQuality, logger: logger}
	for _, src := range imageDecodable {
		for target := range imageEncoders {
			r.Register(src, target, img)
		}
	}
	r.RegisterCategory(format.CategoryImage, format.CategoryImage, img)

	tab := &tabularStrategy{logger: logger}
	r.Register(format.CSV, format.JSON, tab)
	r.Register(format.JSON, format.CSV, tab)
	r.RegisterCategory(format.CategoryTabular, format.CategoryTabular, r.fallback)

	text := &textStrategy{logger: logger}
	pandoc := &pandocStrategy{runner: opts.Runner, path: opts.PandocPath, logger: logger}
	for _, src := range format.All()[format.CategoryDocument] {
		r.Register(src, format.TXT, text)
	}
	if opts.GotenbergURL != "" {
		gb := newGotenbergStrategy(opts.GotenbergURL, opts.HTTPClient, logger)
		for _, src := range gotenbergSources {
			r.Register(src, format.PDF, gb)
		}
	}
	r.RegisterCategory(format.CategoryDocument, format.CategoryDocument, pandoc)

	media := &transcodeStrategy{runner: opts.Runner, path: opts.FFmpegPath, audioBitrate: opts.AudioBitrate, logger: logger}
	r.RegisterCategory(format.CategoryAudio, format.CategoryAudio, media)
	r.RegisterCategory(format.CategoryVideo, format.CategoryVideo, media)
	r.RegisterCategory(format.CategoryVideo, format.CategoryAudio, media)

	arc := &archiveStrategy{
		runner:   opts.Runner,
		sevenZip: opts.SevenZipPath,
		unrar:    opts.UnrarPath,
		rar:      opts.RarPath,
		logger:   logger,
	}
	r.RegisterCategory(format.CategoryArchive, format.CategoryArchive, arc)

	return r
}

// Register binds an exact format pair to a strategy
func (r *Registry) Register(source, target format.Format, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[pairKey{source, target}] = s
}

// RegisterCategory binds a category pair to a generic strategy
func (r *Registry) RegisterCategory(source, target format.Category, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generic[categoryKey{source, target}] = s
}

// Resolve picks the strategy for a pair. It never returns nil.
func (r *Registry) Resolve(source, target format.Format) Strategy {
	if source == target {
		return r.passthrough
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.exact[pairKey{source, target}]; ok {
		return s
	}
	if s, ok := r.generic[categoryKey{format.Classify(source), format.Classify(target)}]; ok {
		return s
	}
	return r.fallback
}

// Supports reports whether an upload for this pair should be accepted. Both formats must be known
// and either share a category or have a registered rule.
func (r *Registry) Supports(source, target format.Format) bool {
	if !source.Known() || !target.Known() {
		return false
	}
	if source.Category() == target.Category() {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.exact[pairKey{source, target}]; ok {
		return true
	}
	_, ok := r.generic[categoryKey{source.Category(), target.Category()}]
	return ok
}
