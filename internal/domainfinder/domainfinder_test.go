package domainfinder

import (
	"context"
	"errors"
	"net"
	"testing"
)

// unreachableResolver returns a resolver whose Dial always fails instantly,
// so tests exercise the miss path without touching the network.
func unreachableResolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("dns disabled in test")
		},
	}
}

func TestNormalizeCompanyName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"noise words stripped", "the widget co.", []string{"widget"}},
		{"single word", "openai", []string{"openai"}},
		{"two significant words", "johnson & johnson", []string{"johnsonjohnson", "johnson"}},
		{"short first word skipped", "ab corp", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeCompanyName(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("normalizeCompanyName(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("normalizeCompanyName(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCleanWord(t *testing.T) {
	if got := cleanWord("Acme, Inc!"); got != "acmeinc" {
		t.Errorf("cleanWord() = %q, want %q", got, "acmeinc")
	}
}

func TestFindDomainEmptyName(t *testing.T) {
	f := New()
	if got := f.FindDomain(context.Background(), "   "); got != "" {
		t.Errorf("expected empty domain for blank company name, got %q", got)
	}
}

func TestFindDomainCachesMiss(t *testing.T) {
	f := NewWithResolver(unreachableResolver())
	ctx := context.Background()

	got := f.FindDomain(ctx, "Definitely Not A Real Company Xyzzy")
	if got != "" {
		t.Fatalf("expected miss, got %q", got)
	}
	stats := f.Stats()
	if stats.TotalEntries != 1 || stats.DomainsNotFound != 1 {
		t.Errorf("expected one cached miss, got %+v", stats)
	}

	// Second call should hit cache rather than re-resolve.
	got2 := f.FindDomain(ctx, "definitely not a real company xyzzy")
	if got2 != "" {
		t.Fatalf("expected cached miss, got %q", got2)
	}
}

func TestClearCache(t *testing.T) {
	f := NewWithResolver(unreachableResolver())
	ctx := context.Background()
	f.FindDomain(ctx, "Acme Corp")
	if f.Stats().TotalEntries == 0 {
		t.Fatal("expected an entry before clearing")
	}
	f.ClearCache()
	if f.Stats().TotalEntries != 0 {
		t.Fatal("expected empty cache after ClearCache")
	}
}
