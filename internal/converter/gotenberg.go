package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/cuongbtq/file-converter/internal/format"
)

// gotenbergSources are the formats sent to Gotenberg's LibreOffice route for PDF output
var gotenbergSources = []format.Format{
	format.DOCX, format.DOC, format.ODT, format.RTF, format.TXT, format.HTML, format.PAGES,
}

// gotenbergStrategy renders office documents to PDF through a Gotenberg server
type gotenbergStrategy struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func newGotenbergStrategy(baseURL string, client *http.Client, logger *slog.Logger) *gotenbergStrategy {
	return &gotenbergStrategy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

func (s *gotenbergStrategy) Name() string {
	return StrategyGotenberg
}

func (s *gotenbergStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	err := writeFileAtomic(req.Output, func(w io.Writer) error {
		return s.render(ctx, req, w)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, fmt.Errorf("gotenberg interrupted: %w", ctxErr)
		}
		return degrade(ctx, s.logger, StrategyGotenberg, req, err)
	}
	return Outcome{Strategy: StrategyGotenberg}, nil
}

func (s *gotenbergStrategy) render(ctx context.Context, req Request, w io.Writer) error {
	file, err := os.Open(req.Input)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	// LibreOffice picks the import filter from the extension
	part, err := mw.CreateFormFile("files", "document."+req.Source.Ext())
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	url := s.baseURL + "/forms/libreoffice/convert"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, stderrTail))
		return fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(msg))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to save converted file: %w", err)
	}
	return nil
}
