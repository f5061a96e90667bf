// Package format classifies file format tags into broad conversion categories.
package format

import (
	"path/filepath"
	"sort"
	"strings"
)

// Format is an upper-case format tag such as "PNG" or "CSV"
type Format string

// Category is the broad family a format belongs to
type Category string

// Categories
const (
	CategoryImage    Category = "image"
	CategoryDocument Category = "document"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryArchive  Category = "archive"
	CategoryTabular  Category = "tabular"
	CategoryUnknown  Category = "unknown"
)

// Known formats
const (
	PNG  Format = "PNG"
	JPG  Format = "JPG"
	JPEG Format = "JPEG"
	GIF  Format = "GIF"
	BMP  Format = "BMP"
	TIFF Format = "TIFF"
	WEBP Format = "WEBP"
	SVG  Format = "SVG"

	PDF   Format = "PDF"
	DOCX  Format = "DOCX"
	DOC   Format = "DOC"
	TXT   Format = "TXT"
	RTF   Format = "RTF"
	ODT   Format = "ODT"
	PAGES Format = "PAGES"
	HTML  Format = "HTML"
	CSS   Format = "CSS"
	JS    Format = "JS"

	MP3  Format = "MP3"
	WAV  Format = "WAV"
	FLAC Format = "FLAC"
	AAC  Format = "AAC"
	OGG  Format = "OGG"
	M4A  Format = "M4A"

	MP4 Format = "MP4"
	AVI Format = "AVI"
	MOV Format = "MOV"
	WMV Format = "WMV"
	FLV Format = "FLV"
	MKV Format = "MKV"

	ZIP      Format = "ZIP"
	RAR      Format = "RAR"
	SevenZip Format = "7Z"
	TAR      Format = "TAR"
	GZ       Format = "GZ"

	CSV  Format = "CSV"
	JSON Format = "JSON"
	XML  Format = "XML"
)

var categories = map[Format]Category{
	PNG: CategoryImage, JPG: CategoryImage, JPEG: CategoryImage, GIF: CategoryImage,
	BMP: CategoryImage, TIFF: CategoryImage, WEBP: CategoryImage, SVG: CategoryImage,

	PDF: CategoryDocument, DOCX: CategoryDocument, DOC: CategoryDocument, TXT: CategoryDocument,
	RTF: CategoryDocument, ODT: CategoryDocument, PAGES: CategoryDocument, HTML: CategoryDocument,
	CSS: CategoryDocument, JS: CategoryDocument,

	MP3: CategoryAudio, WAV: CategoryAudio, FLAC: CategoryAudio, AAC: CategoryAudio,
	OGG: CategoryAudio, M4A: CategoryAudio,

	MP4: CategoryVideo, AVI: CategoryVideo, MOV: CategoryVideo, WMV: CategoryVideo,
	FLV: CategoryVideo, MKV: CategoryVideo,

	ZIP: CategoryArchive, RAR: CategoryArchive, SevenZip: CategoryArchive, TAR: CategoryArchive,
	GZ: CategoryArchive,

	CSV: CategoryTabular, JSON: CategoryTabular, XML: CategoryTabular,
}

// Parse normalises a user supplied tag: surrounding space and a leading dot are dropped and the
// result is upper-cased. Parse does not check that the format is known.
func Parse(s string) Format {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ".")
	return Format(strings.ToUpper(s))
}

// FromFilename derives the format from a file name's extension
func FromFilename(name string) Format {
	return Parse(filepath.Ext(name))
}

// Classify maps a format to its category. Unknown tags map to CategoryUnknown.
func Classify(f Format) Category {
	if c, ok := categories[f]; ok {
		return c
	}
	return CategoryUnknown
}

// Category is shorthand for Classify(f)
func (f Format) Category() Category {
	return Classify(f)
}

// Known reports whether f belongs to a category
func (f Format) Known() bool {
	return Classify(f) != CategoryUnknown
}

// Ext returns the lower-case file extension for f, without the dot
func (f Format) Ext() string {
	return strings.ToLower(string(f))
}

func (f Format) String() string {
	return string(f)
}

// All returns every known format grouped by category, each group sorted
func All() map[Category][]Format {
	out := make(map[Category][]Format)
	for f, c := range categories {
		out[c] = append(out[c], f)
	}
	for _, fs := range out {
		sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
	}
	return out
}
