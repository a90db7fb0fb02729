package pty

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareTriggerPayload_RoundTripsSanitizedPrompt(t *testing.T) {
	envelope, err := PrepareTriggerPayload("trg_1", "thr_1", "unread", "hello\nworld", 0)
	require.NoError(t, err)

	lines := strings.Split(envelope, "\n")
	require.Equal(t, "[BRIDGE_TRIGGER id=trg_1 thread=thr_1 reason=unread]", lines[0])
	require.Equal(t, "[/BRIDGE_TRIGGER]", lines[len(lines)-1])
	middle := strings.Join(lines[1:len(lines)-1], "\n")
	require.Equal(t, "hello\nworld", middle)
}

func TestPrepareTriggerPayload_NormalizesLineEndingsAndStripsControls(t *testing.T) {
	envelope, err := PrepareTriggerPayload("trg_1", "thr_1", "unread", "line one\r\nline two\x00\x01\r  trailing  \n\n\n", 0)
	require.NoError(t, err)
	require.NotContains(t, envelope, "\r")
	require.NotContains(t, envelope, "\x00")
	require.NotContains(t, envelope, "\x01")
	require.False(t, strings.HasSuffix(envelope, "\n\n"))
}

func TestPrepareTriggerPayload_RejectsEmptyAfterSanitization(t *testing.T) {
	_, err := PrepareTriggerPayload("trg_1", "thr_1", "unread", "   \n\t\n  ", 0)
	require.Error(t, err)
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "TRIGGER_PAYLOAD_EMPTY", de.ErrorCode())
}

func TestPrepareTriggerPayload_RejectsOversizedPayload(t *testing.T) {
	big := strings.Repeat("x", 100)
	_, err := PrepareTriggerPayload("trg_1", "thr_1", "unread", big, 50)
	require.Error(t, err)
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "TRIGGER_PAYLOAD_TOO_LARGE", de.ErrorCode())
}

func TestPrepareTriggerPayload_SanitizedPromptAtCeilingSucceedsDespiteFramingOverhead(t *testing.T) {
	prompt := strings.Repeat("x", 8192)
	_, err := PrepareTriggerPayload("trg_1", "thr_1", "unread", prompt, 8192)
	require.NoError(t, err)
}

func TestResolveTarget(t *testing.T) {
	cases := []struct {
		runtime string
		want    string
		wantErr bool
	}{
		{"tmux:main:0.0", "main:0.0", false},
		{"tmux://main:0.0", "main:0.0", false},
		{"main:0.0", "main:0.0", false},
		{"codex://somewhere", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ResolveTarget(tc.runtime)
		if tc.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}
