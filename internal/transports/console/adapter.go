package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"velvet/internal/core"
	"velvet/internal/transports/common"
)

// Adapter исполняет построчные команды вида "[/]module command" из потока.
type Adapter struct {
	svc     *common.Service
	subject string
	prompt  string
}

// NewAdapter создает консольный адаптер; subject проверяется allowlist источника console.
func NewAdapter(registry *core.Registry, authorizer core.Authorizer, limiter *common.RateLimiter, audit common.AuditSink, subject string) *Adapter {
	return &Adapter{
		svc: &common.Service{
			Source:      "console",
			Registry:    registry,
			Authorizer:  authorizer,
			RateLimiter: limiter,
			AuditSink:   audit,
		},
		subject: subject,
	}
}

func (a *Adapter) Name() string { return "console" }

// WithPrompt задает приглашение, которое печатается перед каждой строкой.
func (a *Adapter) WithPrompt(p string) *Adapter {
	a.prompt = p
	return a
}

// HandleLine исполняет одну строку и возвращает ответ без перевода строки.
func (a *Adapter) HandleLine(ctx context.Context, line string) string {
	out, err := a.svc.ExecuteText(ctx, a.subject, line)
	if err != nil {
		return fmt.Sprintf("error[%s]: %v", common.Code(err), err)
	}
	if out.Fault != nil {
		return fmt.Sprintf("error[%s]: %s", out.Fault.Kind, out.Fault.Message)
	}
	return "ok: " + out.Result
}

// Run читает строки до EOF, "quit" или отмены ctx.
func (a *Adapter) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if a.prompt != "" {
			fmt.Fprint(out, a.prompt)
		}
		if !sc.Scan() {
			return sc.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(sc.Text(), "\r")
		switch strings.TrimSpace(line) {
		case "":
			continue
		case "quit", "exit":
			return nil
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if _, err := fmt.Fprintln(out, a.HandleLine(ctx, line)); err != nil {
			return err
		}
	}
}
