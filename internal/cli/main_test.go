package cli

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/coral-mesh/frep/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeSampler()
	goleak.VerifyTestMain(m)
}
