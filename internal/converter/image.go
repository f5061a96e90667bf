package converter

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"

	"github.com/cuongbtq/file-converter/internal/format"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultImageQuality is the JPEG quality used when none is configured
const DefaultImageQuality = 95

type imageEncoder func(w io.Writer, img image.Image, quality int) error

var imageEncoders = map[format.Format]imageEncoder{
	format.PNG: func(w io.Writer, img image.Image, _ int) error {
		return png.Encode(w, img)
	},
	format.JPG:  encodeJPEG,
	format.JPEG: encodeJPEG,
	format.GIF: func(w io.Writer, img image.Image, _ int) error {
		return gif.Encode(w, img, nil)
	},
	format.BMP: func(w io.Writer, img image.Image, _ int) error {
		return bmp.Encode(w, img)
	},
	format.TIFF: func(w io.Writer, img image.Image, _ int) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	},
}

var imageDecodable = []format.Format{
	format.PNG, format.JPG, format.JPEG, format.GIF, format.BMP, format.TIFF, format.WEBP,
}

// opaqueTargets cannot store transparency; sources get flattened onto white first
var opaqueTargets = map[format.Format]bool{
	format.JPG:  true,
	format.JPEG: true,
}

func encodeJPEG(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func canDecode(f format.Format) bool {
	for _, d := range imageDecodable {
		if d == f {
			return true
		}
	}
	return false
}

// imageStrategy re-encodes raster images
type imageStrategy struct {
	quality int
	logger  *slog.Logger
}

func (s *imageStrategy) Name() string {
	return StrategyImage
}

func (s *imageStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	encode, ok := imageEncoders[req.Target]
	if !ok {
		return degrade(ctx, s.logger, StrategyImage, req, fmt.Errorf("no encoder for %s", req.Target))
	}
	if !canDecode(req.Source) {
		return degrade(ctx, s.logger, StrategyImage, req, fmt.Errorf("no decoder for %s", req.Source))
	}

	img, err := decodeImage(req.Input)
	if err != nil {
		return Outcome{}, err
	}

	if opaqueTargets[req.Target] {
		img = flatten(img)
	}

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	err = writeFileAtomic(req.Output, func(w io.Writer) error {
		if err := encode(w, img, s.quality); err != nil {
			return fmt.Errorf("failed to encode %s: %w", req.Target, err)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Strategy: StrategyImage}, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// flatten composites img over an opaque white background
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}
