package converter

import (
	"context"
	"fmt"
	"log/slog"
)

// pandocStrategy converts between document formats with pandoc
type pandocStrategy struct {
	runner Runner
	path   string
	logger *slog.Logger
}

func (s *pandocStrategy) Name() string {
	return StrategyPandoc
}

func (s *pandocStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	tool, err := lookup(s.runner, s.path)
	if err != nil {
		return degrade(ctx, s.logger, StrategyPandoc, req, err)
	}

	err = writeAtomic(req.Output, func(tmp string) error {
		return s.runner.Run(ctx, "", tool, req.Input, "-o", tmp)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, fmt.Errorf("pandoc interrupted: %w", ctxErr)
		}
		return degrade(ctx, s.logger, StrategyPandoc, req, err)
	}
	return Outcome{Strategy: StrategyPandoc}, nil
}
