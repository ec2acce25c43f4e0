package fingerprint

import (
	"testing"

	"github.com/ojama/chat2api-go/internal/store"
)

func TestResolveStablePerCredential(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p := NewProvider(s, []string{"chrome120"}, nil)

	first := p.Resolve("tok-a")
	if first.DeviceID == "" || first.UserAgent == "" || first.Impersonate != "chrome120" {
		t.Fatalf("incomplete fingerprint: %+v", first)
	}

	second := p.Resolve("tok-a")
	if second != first {
		t.Errorf("fingerprint changed across resolves: %+v vs %+v", first, second)
	}
}

func TestResolveDistinctCredentials(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p := NewProvider(s, []string{"chrome119", "chrome120"}, nil)

	a := p.Resolve("tok-a")
	b := p.Resolve("tok-b")
	if a.DeviceID == b.DeviceID {
		t.Error("distinct credentials should get distinct device ids")
	}
}

func TestResolveProxyTemplate(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	p := NewProvider(s, []string{"edge101"}, []string{"http://proxy:8080/{}"})

	fp := p.Resolve("tok-a")
	if fp.ProxyURL != "http://proxy:8080/{}" {
		t.Errorf("proxy template not assigned: %+v", fp)
	}
}
