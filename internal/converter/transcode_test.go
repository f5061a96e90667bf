package converter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/file-converter/internal/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscodeFlags(t *testing.T) {
	tests := []struct {
		name   string
		source format.Format
		target format.Format
		want   []string
	}{
		{name: "video to mp3 drops video", source: format.MP4, target: format.MP3, want: []string{"-vn", "-b:a", "192k"}},
		{name: "audio to mp3", source: format.WAV, target: format.MP3, want: []string{"-b:a", "192k"}},
		{name: "flac", source: format.WAV, target: format.FLAC, want: []string{"-c:a", "flac"}},
		{name: "aac", source: format.MP3, target: format.AAC, want: []string{"-c:a", "aac", "-b:a", "128k"}},
		{name: "ogg", source: format.MP3, target: format.OGG, want: []string{"-c:a", "libvorbis"}},
		{name: "wav from video is pcm", source: format.MKV, target: format.WAV, want: []string{"-vn", "-c:a", "pcm_s16le"}},
		{name: "wav from audio has no codec", source: format.MP3, target: format.WAV, want: nil},
		{name: "mp4", source: format.AVI, target: format.MP4, want: []string{"-c:v", "libx264", "-c:a", "aac"}},
		{name: "avi", source: format.MP4, target: format.AVI, want: []string{"-c:v", "libx264", "-c:a", "mp3"}},
		{name: "mkv has no flags", source: format.MP4, target: format.MKV, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TranscodeFlags(tt.source, tt.target, ""))
		})
	}
}

func TestTranscode_MissingFFmpegDegrades(t *testing.T) {
	in := writeInput(t, "clip.mp4", []byte("mp4 bytes"))
	out := filepath.Join(t.TempDir(), "clip_converted.mp3")

	s := &transcodeStrategy{runner: &fakeRunner{}, path: "ffmpeg", audioBitrate: DefaultAudioBitrate, logger: testLogger()}
	outcome, err := s.Convert(context.Background(), Request{Input: in, Output: out, Source: format.MP4, Target: format.MP3})
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
	assert.Equal(t, StrategyTranscode, outcome.Strategy)
	assert.Contains(t, outcome.Note, "not available")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mp4 bytes", string(data))
}

func TestTranscode_RunsFFmpeg(t *testing.T) {
	runner := &fakeRunner{
		available: map[string]bool{"ffmpeg": true},
		run: func(_, _ string, args []string) error {
			return os.WriteFile(args[len(args)-1], []byte("mp3 bytes"), 0o644)
		},
	}
	in := writeInput(t, "clip.mp4", []byte("mp4 bytes"))
	dir := t.TempDir()
	out := filepath.Join(dir, "clip_converted.mp3")

	s := &transcodeStrategy{runner: runner, path: "ffmpeg", audioBitrate: "256k", logger: testLogger()}
	outcome, err := s.Convert(context.Background(), Request{Input: in, Output: out, Source: format.MP4, Target: format.MP3})
	require.NoError(t, err)
	assert.False(t, outcome.Degraded)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"/usr/bin/ffmpeg", "-y", "-i", in, "-vn", "-b:a", "256k", tempPath(out)}, runner.calls[0])

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mp3 bytes", string(data))
	assertNoPartials(t, dir)
}

func TestTranscode_ToolFailureDegrades(t *testing.T) {
	runner := &fakeRunner{
		available: map[string]bool{"ffmpeg": true},
		run: func(_, _ string, _ []string) error {
			return errors.New("ffmpeg failed: exit status 1")
		},
	}
	in := writeInput(t, "a.wav", []byte("riff"))
	out := filepath.Join(t.TempDir(), "a.flac")

	s := &transcodeStrategy{runner: runner, path: "ffmpeg", logger: testLogger()}
	outcome, err := s.Convert(context.Background(), Request{Input: in, Output: out, Source: format.WAV, Target: format.FLAC})
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
	assert.FileExists(t, out)
}

func TestTranscode_CanceledFailsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &fakeRunner{available: map[string]bool{"ffmpeg": true}}
	in := writeInput(t, "a.wav", []byte("riff"))
	out := filepath.Join(t.TempDir(), "a.flac")

	s := &transcodeStrategy{runner: runner, path: "ffmpeg", logger: testLogger()}
	_, err := s.Convert(ctx, Request{Input: in, Output: out, Source: format.WAV, Target: format.FLAC})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, out)
}

func TestPandoc_MissingDegrades(t *testing.T) {
	in := writeInput(t, "notes.md", []byte("# notes"))
	out := filepath.Join(t.TempDir(), "notes.html")

	s := &pandocStrategy{runner: &fakeRunner{}, path: "pandoc", logger: testLogger()}
	outcome, err := s.Convert(context.Background(), Request{Input: in, Output: out, Source: format.TXT, Target: format.HTML})
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
	assert.Equal(t, StrategyPandoc, outcome.Strategy)
}

func TestPandoc_Runs(t *testing.T) {
	runner := &fakeRunner{
		available: map[string]bool{"pandoc": true},
		run: func(_, _ string, args []string) error {
			return os.WriteFile(args[len(args)-1], []byte("<h1>notes</h1>"), 0o644)
		},
	}
	in := writeInput(t, "notes.txt", []byte("notes"))
	out := filepath.Join(t.TempDir(), "notes.html")

	s := &pandocStrategy{runner: runner, path: "pandoc", logger: testLogger()}
	outcome, err := s.Convert(context.Background(), Request{Input: in, Output: out, Source: format.TXT, Target: format.HTML})
	require.NoError(t, err)
	assert.False(t, outcome.Degraded)
	assert.Equal(t, []string{"/usr/bin/pandoc", in, "-o", tempPath(out)}, runner.calls[0])
}
