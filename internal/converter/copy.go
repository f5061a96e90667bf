package converter

import (
	"context"
	"log/slog"
)

// Strategy names reported in Outcome.Strategy
const (
	StrategyCopy        = "copy"
	StrategyPassthrough = "passthrough"
	StrategyImage       = "image"
	StrategyTabular     = "tabular"
	StrategyText        = "text"
	StrategyPandoc      = "pandoc"
	StrategyGotenberg   = "gotenberg"
	StrategyTranscode   = "transcode"
	StrategyArchive     = "archive"
)

// copyStrategy copies the input bytes under the new extension
type copyStrategy struct {
	name     string
	degraded bool
	logger   *slog.Logger
}

func (s *copyStrategy) Name() string {
	return s.name
}

func (s *copyStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := copyFile(req.Input, req.Output); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Strategy: s.name, Degraded: s.degraded}
	if s.degraded {
		out.Note = "no converter for " + string(req.Source) + " to " + string(req.Target)
		if s.logger != nil {
			s.logger.Warn("No converter registered, copied input",
				slog.String("source", string(req.Source)),
				slog.String("target", string(req.Target)),
			)
		}
	}
	return out, nil
}

// degrade copies the input to the output and reports the conversion as degraded. Strategies call
// it when their tool is missing or fails for reasons other than the context ending.
func degrade(ctx context.Context, logger *slog.Logger, strategy string, req Request, cause error) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	if logger != nil {
		logger.Warn("Conversion degraded to raw copy",
			slog.String("strategy", strategy),
			slog.String("source", string(req.Source)),
			slog.String("target", string(req.Target)),
			slog.Any("cause", cause),
		)
	}

	if err := copyFile(req.Input, req.Output); err != nil {
		return Outcome{}, err
	}
	return Outcome{Strategy: strategy, Degraded: true, Note: cause.Error()}, nil
}
