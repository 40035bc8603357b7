package lifecycle

import "context"

// ArtifactFetcher retrieves a module's weights before activation. The
// default implementation is a no-op for catalogs whose artifacts are
// already local.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, uri string) error
}

// Quantizer reduces a module's precision during load. Absence means
// modules load unquantized.
type Quantizer interface {
	Quantize(ctx context.Context, name string) error
}

type nullFetcher struct{}

func (nullFetcher) Fetch(context.Context, string) error { return nil }

type nullQuantizer struct{}

func (nullQuantizer) Quantize(context.Context, string) error { return nil }
