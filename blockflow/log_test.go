package blockflow

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
)

func TestSetLogMode(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	defer SetLogMode(DebugMode)

	SetLogMode(InfoMode)
	Debugf("quiet %d\n", 1)
	if buf.Len() != 0 {
		t.Errorf("debug message written at Info mode: %q", buf.String())
	}
	Infof("audible %d\n", 2)
	if !strings.Contains(buf.String(), "audible 2") {
		t.Errorf("info message not written at Info mode: %q", buf.String())
	}

	buf.Reset()
	SetLogMode(DebugMode)
	Debugf("audible %d\n", 3)
	if !strings.Contains(buf.String(), "audible 3") {
		t.Errorf("debug message not written at Debug mode: %q", buf.String())
	}
}
