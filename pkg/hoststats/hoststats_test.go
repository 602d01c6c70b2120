package hoststats

import "testing"

func TestNewAndRSSBytes(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rss, err := s.RSSBytes()
	if err != nil {
		t.Fatalf("RSSBytes: %v", err)
	}
	if rss == 0 {
		t.Error("expected nonzero RSS for the running test process")
	}
}
