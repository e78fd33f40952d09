// Package transport holds what the measurement transports share.
package transport

import (
	"context"
	"errors"
	"fmt"

	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/speedtest"
)

// NamedProvider pairs a metadata source with a label for logs.
type NamedProvider struct {
	Name     string
	Provider speedtest.MetadataProvider
}

// MetadataChain asks each provider in turn and returns the first answer.
type MetadataChain struct {
	Providers []NamedProvider
	Log       logx.Logger
}

var _ speedtest.MetadataProvider = MetadataChain{}

func (c MetadataChain) Metadata(ctx context.Context) (speedtest.Metadata, error) {
	var errs []error
	for _, p := range c.Providers {
		if p.Provider == nil {
			continue
		}
		md, err := p.Provider.Metadata(ctx)
		if err == nil {
			return md, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
		if ctx.Err() != nil {
			break
		}
		c.Log.Debug("metadata provider failed", logx.String("provider", p.Name), logx.Err(err))
	}
	if len(errs) == 0 {
		return speedtest.Metadata{}, errors.New("no metadata provider configured")
	}
	return speedtest.Metadata{}, errors.Join(errs...)
}
