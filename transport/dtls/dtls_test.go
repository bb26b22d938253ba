package dtls

import (
	"testing"

	piondtls "github.com/pion/dtls/v2"
)

func TestListenRejectsUnresolvableAddress(t *testing.T) {
	_, err := Listen("not-an-address", &piondtls.Config{}, nil)
	if err == nil {
		t.Fatal("expected an error resolving a malformed address")
	}
}
