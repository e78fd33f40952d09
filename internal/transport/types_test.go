package transport

import (
	"context"
	"errors"
	"testing"

	"cloudspeed/pkg/speedtest"
)

type stubProvider struct {
	md    speedtest.Metadata
	err   error
	calls *int
}

func (s stubProvider) Metadata(context.Context) (speedtest.Metadata, error) {
	if s.calls != nil {
		*s.calls++
	}
	return s.md, s.err
}

func TestMetadataChainFallsThrough(t *testing.T) {
	t.Parallel()
	var third int
	c := MetadataChain{Providers: []NamedProvider{
		{Name: "cloudflare", Provider: stubProvider{err: errors.New("blocked")}},
		{Name: "ookla", Provider: stubProvider{md: speedtest.Metadata{ClientIP: "192.0.2.1", Source: "ookla"}}},
		{Name: "never", Provider: stubProvider{calls: &third}},
	}}
	md, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.Source != "ookla" {
		t.Fatalf("Source = %q, want ookla", md.Source)
	}
	if third != 0 {
		t.Fatal("provider after a success was called")
	}
}

func TestMetadataChainJoinsErrors(t *testing.T) {
	t.Parallel()
	first := errors.New("first")
	c := MetadataChain{Providers: []NamedProvider{
		{Name: "a", Provider: stubProvider{err: first}},
		{Name: "b", Provider: stubProvider{err: errors.New("second")}},
	}}
	_, err := c.Metadata(context.Background())
	if !errors.Is(err, first) {
		t.Fatalf("err = %v, want both causes", err)
	}
	if _, err := (MetadataChain{}).Metadata(context.Background()); err == nil {
		t.Fatal("empty chain succeeded")
	}
}
