package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/withObsrvr/asset-orderer/internal/orderer"
)

func TestExitFor(t *testing.T) {
	tests := []struct {
		outcome orderer.Outcome
		want    int
	}{
		{orderer.OutcomeSuccess, 0},
		{orderer.OutcomePartial, exitPartial},
		{orderer.OutcomeEmpty, exitEmpty},
	}
	for _, tt := range tests {
		err := exitFor(&orderer.Snapshot{Outcome: tt.outcome})
		code := 0
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		if code != tt.want {
			t.Errorf("exitFor(%s) = %d, want %d", tt.outcome, code, tt.want)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRunRequiresSubject(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"run"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Error("run without --subject should fail")
	}
}
