// Package iso pulls the installer kernel and initrd out of installation
// media.
package iso

import (
	"context"
	"log/slog"

	"github.com/terabiome/preseed-install/internal/layout"
)

type Extractor struct {
	reader Reader
	layout *layout.Layout
	logger *slog.Logger
}

func NewExtractor(reader Reader, l *layout.Layout, logger *slog.Logger) *Extractor {
	return &Extractor{
		reader: reader,
		layout: l,
		logger: logger.With(slog.String("component", "iso")),
	}
}

// Extract returns the first kernel/initrd pair of arch's candidates that
// reads back non-empty, along with the candidate that matched.
func (e *Extractor) Extract(ctx context.Context, image, arch string) ([]byte, []byte, layout.Candidate, error) {
	return e.ExtractFor(ctx, image, Media{Arch: arch})
}

// ExtractFor is Extract restricted to the candidates of media's version.
func (e *Extractor) ExtractFor(ctx context.Context, image string, media Media) ([]byte, []byte, layout.Candidate, error) {
	layoutErr := &IsoLayoutError{Image: image, Arch: media.Arch, Version: media.Version}

	for _, candidate := range e.layout.Candidates(media.Arch, media.Version) {
		layoutErr.Tried = append(layoutErr.Tried, candidate.Kernel)

		kernel, err := e.reader.ReadFile(ctx, image, candidate.Kernel)
		if err == nil {
			var initrd []byte
			initrd, err = e.reader.ReadFile(ctx, image, candidate.Initrd)
			if err == nil && len(kernel) > 0 && len(initrd) > 0 {
				e.logger.Info("found installer boot files",
					slog.String("image", image),
					slog.String("kernel", candidate.Kernel),
					slog.String("initrd", candidate.Initrd),
					slog.Int("kernel_bytes", len(kernel)),
					slog.Int("initrd_bytes", len(initrd)),
				)
				return kernel, initrd, candidate, nil
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, layout.Candidate{}, ctxErr
		}
		if err != nil {
			layoutErr.Err = err
		}
		e.logger.Debug("candidate not usable",
			slog.String("image", image),
			slog.String("kernel", candidate.Kernel),
		)
	}

	return nil, nil, layout.Candidate{}, layoutErr
}
