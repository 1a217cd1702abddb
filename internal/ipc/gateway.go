package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/plumeapp/plume-desktop/internal/auditlog"
	"github.com/plumeapp/plume-desktop/internal/trust"
)

// Handler serves one privileged operation. Args arrive as raw JSON from the
// UI surface; the result is marshaled back verbatim.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Gateway is the single entry point for privileged calls from UI surfaces.
//
// Ordering is deliberate: the trust check runs before the operation lookup,
// so an untrusted caller cannot probe which operations exist. Rejections
// produce no side effect beyond an audit entry.
type Gateway struct {
	log      *slog.Logger
	registry *trust.Registry
	audit    *auditlog.Store

	mu  sync.Mutex
	ops map[string]Handler
}

func NewGateway(log *slog.Logger, registry *trust.Registry, audit *auditlog.Store) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		log:      log,
		registry: registry,
		audit:    audit,
		ops:      make(map[string]Handler),
	}
}

// Register installs a handler for an operation name (e.g. "plugin.install").
// Last registration wins; registration happens once at app wiring time.
func (g *Gateway) Register(op string, h Handler) {
	op = strings.TrimSpace(op)
	if g == nil || op == "" || h == nil {
		return
	}
	g.mu.Lock()
	g.ops[op] = h
	g.mu.Unlock()
}

// Invoke dispatches one privileged call: (sender, operation, args) -> result|error.
func (g *Gateway) Invoke(ctx context.Context, sender trust.Sender, op string, args json.RawMessage) (json.RawMessage, error) {
	if g == nil {
		return nil, Errf(CodeInternal, "gateway not initialized")
	}
	op = strings.TrimSpace(op)

	if g.registry == nil || !g.registry.IsTrusted(sender) {
		g.appendAudit(auditlog.Entry{
			Action: op,
			Status: "rejected",
			Error:  CodeUntrustedSender,
			Sender: sender.Prefix(),
		})
		g.log.Warn("ipc call from untrusted sender", "op", op, "sender", sender.Prefix())
		return nil, &Error{Code: CodeUntrustedSender}
	}

	g.mu.Lock()
	h := g.ops[op]
	g.mu.Unlock()
	if h == nil {
		g.appendAudit(auditlog.Entry{
			Action: op,
			Status: "rejected",
			Error:  CodeUnknownOperation,
			Sender: sender.Prefix(),
		})
		return nil, Errf(CodeUnknownOperation, "unknown operation: %s", op)
	}

	out, err := h(ctx, args)
	if err != nil {
		be := asBoundaryError(err)
		g.appendAudit(auditlog.Entry{
			Action: op,
			Status: "failed",
			Error:  be.Code,
			Sender: sender.Prefix(),
		})
		return nil, be
	}

	g.appendAudit(auditlog.Entry{
		Action: op,
		Status: "allowed",
		Sender: sender.Prefix(),
	})

	if out == nil {
		return nil, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, Errf(CodeInternal, "marshal result: %v", err)
	}
	return b, nil
}

func (g *Gateway) appendAudit(e auditlog.Entry) {
	if g == nil || g.audit == nil {
		return
	}
	g.audit.Append(e)
}

// asBoundaryError maps a handler error to the stable boundary taxonomy.
// Handlers may return *Error directly; anything else becomes INTERNAL.
func asBoundaryError(err error) *Error {
	var be *Error
	if errors.As(err, &be) && be != nil {
		return be
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
