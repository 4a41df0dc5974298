package app

import (
	"context"
	"time"

	"forgewatch/internal/storage"
	"forgewatch/internal/transport/telegram/router"
	logx "forgewatch/pkg/logx"
)

// storeAuditor records every handled command in the store's audit log.
type storeAuditor struct {
	store storage.Store
	log   logx.Logger
}

func (a *storeAuditor) Audit(ctx context.Context, req *router.Request, err error, took time.Duration) {
	e := storage.AuditEntry{
		At:            time.Now().UTC(),
		ActorID:       req.From.ID,
		ActorUsername: req.From.Username,
		ChatID:        req.Chat.ChatID,
		Command:       req.Command,
		Args:          req.RawArgs,
		OK:            err == nil,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	// The handler context may already be done; the write must not depend on it.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if werr := a.store.AppendAudit(wctx, e); werr != nil {
		a.log.Warn("audit write failed", logx.String("cmd", req.Command), logx.Err(werr))
	}
}
