package sandbox

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	ReexecHelper()
	os.Exit(m.Run())
}
