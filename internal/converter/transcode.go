package converter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/file-converter/internal/format"
)

// DefaultAudioBitrate is the MP3 bitrate used when none is configured
const DefaultAudioBitrate = "192k"

// transcodeStrategy delegates audio and video conversions to ffmpeg
type transcodeStrategy struct {
	runner       Runner
	path         string
	audioBitrate string
	logger       *slog.Logger
}

func (s *transcodeStrategy) Name() string {
	return StrategyTranscode
}

func (s *transcodeStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	tool, err := lookup(s.runner, s.path)
	if err != nil {
		return degrade(ctx, s.logger, StrategyTranscode, req, err)
	}

	args := []string{"-y", "-i", req.Input}
	args = append(args, TranscodeFlags(req.Source, req.Target, s.audioBitrate)...)

	err = writeAtomic(req.Output, func(tmp string) error {
		return s.runner.Run(ctx, "", tool, append(args, tmp)...)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, fmt.Errorf("transcode interrupted: %w", ctxErr)
		}
		return degrade(ctx, s.logger, StrategyTranscode, req, err)
	}
	return Outcome{Strategy: StrategyTranscode}, nil
}

// TranscodeFlags returns the codec flags ffmpeg gets for a conversion, between the input and the
// output arguments.
func TranscodeFlags(source, target format.Format, audioBitrate string) []string {
	if audioBitrate == "" {
		audioBitrate = DefaultAudioBitrate
	}

	fromVideo := source.Category() == format.CategoryVideo
	var flags []string
	if fromVideo && target.Category() == format.CategoryAudio {
		flags = append(flags, "-vn")
	}

	switch target {
	case format.MP3:
		flags = append(flags, "-b:a", audioBitrate)
	case format.FLAC:
		flags = append(flags, "-c:a", "flac")
	case format.AAC, format.M4A:
		flags = append(flags, "-c:a", "aac", "-b:a", "128k")
	case format.OGG:
		flags = append(flags, "-c:a", "libvorbis")
	case format.WAV:
		if fromVideo {
			flags = append(flags, "-c:a", "pcm_s16le")
		}
	case format.MP4, format.MOV:
		flags = append(flags, "-c:v", "libx264", "-c:a", "aac")
	case format.AVI:
		flags = append(flags, "-c:v", "libx264", "-c:a", "mp3")
	}
	return flags
}
