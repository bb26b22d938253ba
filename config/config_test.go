package config

import "testing"

func TestDefaultDocumentRoundTrips(t *testing.T) {
	d, err := DefaultDocument()
	if err != nil {
		t.Fatalf("DefaultDocument: %v", err)
	}
	tun, err := d.Tunables()
	if err != nil {
		t.Fatalf("Tunables: %v", err)
	}
	if tun.MaxRetransmit == 0 {
		t.Fatal("got zero MaxRetransmit from the default document")
	}
}

func TestSetOverridesSingleField(t *testing.T) {
	d, err := DefaultDocument()
	if err != nil {
		t.Fatalf("DefaultDocument: %v", err)
	}
	if err := d.Set("MaxChunkSize", 256); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tun, err := d.Tunables()
	if err != nil {
		t.Fatalf("Tunables: %v", err)
	}
	if tun.MaxChunkSize != 256 {
		t.Fatalf("got %d want 256", tun.MaxChunkSize)
	}
	if tun.MaxRetransmit == 0 {
		t.Fatal("overriding one field must not zero out the rest")
	}
}

func TestGetReadsTopLevelField(t *testing.T) {
	d, err := DefaultDocument()
	if err != nil {
		t.Fatalf("DefaultDocument: %v", err)
	}
	v := d.Get("TokenLen")
	if !v.Exists() {
		t.Fatal("expected TokenLen to exist in the default document")
	}
}
