package geo

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type failingLookup struct{}

func (failingLookup) Locate(ctx context.Context, ip string) (string, error) {
	return "", errors.New("provider unavailable")
}

func TestResolveStatic(t *testing.T) {
	t.Parallel()

	got := Resolve(context.Background(), Static{Location: "Berlin, Germany"}, zerolog.Nop(), "203.0.113.7")
	if got != "Berlin, Germany" {
		t.Errorf("Resolve() = %q, want %q", got, "Berlin, Germany")
	}
}

func TestResolveDegradesOnError(t *testing.T) {
	t.Parallel()

	got := Resolve(context.Background(), failingLookup{}, zerolog.Nop(), "203.0.113.7")
	if got != Unknown {
		t.Errorf("Resolve() with failing provider = %q, want %q", got, Unknown)
	}
}

func TestResolveNilLookup(t *testing.T) {
	t.Parallel()

	if got := Resolve(context.Background(), nil, zerolog.Nop(), "203.0.113.7"); got != Unknown {
		t.Errorf("Resolve() with nil provider = %q, want %q", got, Unknown)
	}
}

func TestResolveEmptyIP(t *testing.T) {
	t.Parallel()

	if got := Resolve(context.Background(), Static{Location: "Berlin"}, zerolog.Nop(), ""); got != Unknown {
		t.Errorf("Resolve() with empty ip = %q, want %q", got, Unknown)
	}
}

func TestStaticZeroValue(t *testing.T) {
	t.Parallel()

	loc, err := Static{}.Locate(context.Background(), "203.0.113.7")
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if loc != Unknown {
		t.Errorf("Locate() = %q, want %q", loc, Unknown)
	}
}
