package common

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"velvet/internal/core"
	"velvet/internal/storage"
)

type memSink struct {
	events []storage.AuditEvent
}

func (m *memSink) Write(_ context.Context, ev storage.AuditEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func newService(t *testing.T, limiter *RateLimiter) (*Service, *memSink) {
	t.Helper()
	reg := core.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), "echo", core.HandlerFunc(func(_ context.Context, cmd string) (string, error) {
		return cmd, nil
	})))
	require.NoError(t, reg.Register(context.Background(), "fail", core.HandlerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("boom")
	})))
	require.NoError(t, reg.Seal())
	sink := &memSink{}
	return &Service{
		Source:      "console",
		Registry:    reg,
		Authorizer:  core.NewAllowlistAuthorizer(map[string][]string{"console": {"local"}}),
		RateLimiter: limiter,
		AuditSink:   sink,
	}, sink
}

func TestParseTextCommand(t *testing.T) {
	cases := []struct {
		in, module, command string
	}{
		{"/echo hello world", "echo", "hello world"},
		{"divide 10,2", "divide", "10,2"},
		{"json set,a,1,{}", "json", "set,a,1,{}"},
		{"host", "host", ""},
		{"  echo   padded ", "echo", "  padded "},
		{"echo trailing  ", "echo", "trailing  "},
		{"/echo a\tb\t", "echo", "a\tb\t"},
		{"echo\r\n", "echo", ""},
	}
	for _, tc := range cases {
		module, command, err := ParseTextCommand(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.module, module, tc.in)
		assert.Equal(t, tc.command, command, tc.in)
	}
}

func TestParseTextCommandEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "\t", "/", "/ echo", "\r\n"} {
		_, _, err := ParseTextCommand(in)
		assert.ErrorIs(t, err, ErrBadCommand, in)
	}
}

func TestServiceInvokeAudits(t *testing.T) {
	svc, sink := newService(t, nil)

	out, err := svc.ExecuteText(context.Background(), "local", "echo hi there")
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, "hi there", out.Result)

	out, err = svc.ExecuteText(context.Background(), "local", "fail x")
	require.NoError(t, err)
	require.NotNil(t, out.Fault)
	assert.Equal(t, core.FaultHandlerFailure, out.Fault.Kind)

	require.Len(t, sink.events, 2)
	assert.Equal(t, "ok", sink.events[0].Status)
	assert.Equal(t, "error", sink.events[1].Status)
	assert.Equal(t, "handler_failure", gjson.GetBytes(sink.events[1].Payload, "fault").String())
	assert.NotEqual(t, sink.events[0].RequestID, sink.events[1].RequestID)
}

func TestServiceDenied(t *testing.T) {
	svc, sink := newService(t, nil)
	_, err := svc.ExecuteText(context.Background(), "intruder", "echo hi")
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, "access_denied", Code(err))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "denied", sink.events[0].Status)
}

func TestServiceRateLimited(t *testing.T) {
	svc, _ := newService(t, NewRateLimiter(1, time.Minute))
	_, err := svc.ExecuteText(context.Background(), "local", "echo 1")
	require.NoError(t, err)
	_, err = svc.ExecuteText(context.Background(), "local", "echo 2")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, "rate_limited", Code(err))
}

func TestCodeFromFault(t *testing.T) {
	svc, _ := newService(t, nil)
	out, err := svc.Invoke(context.Background(), "local", "missing", "x")
	require.NoError(t, err)
	assert.Equal(t, "unknown_module", Code(out.Err()))
	assert.True(t, strings.Contains(out.Err().Error(), "missing"))
	assert.Equal(t, "", Code(nil))
}
