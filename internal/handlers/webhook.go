package handlers

import (
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// WebhookVerify answers Meta's webhook subscription challenge.
func (a *App) WebhookVerify(r *fastglue.Request) error {
	mode := string(r.RequestCtx.QueryArgs().Peek("hub.mode"))
	token := string(r.RequestCtx.QueryArgs().Peek("hub.verify_token"))
	challenge := string(r.RequestCtx.QueryArgs().Peek("hub.challenge"))

	if mode != "subscribe" || token == "" || token != a.Config.WhatsApp.WebhookVerifyToken {
		a.Log.Warn("webhook verification failed", "mode", mode)
		return r.SendErrorEnvelope(fasthttp.StatusForbidden, "verification failed", nil, "")
	}

	r.RequestCtx.SetStatusCode(fasthttp.StatusOK)
	r.RequestCtx.SetBodyString(challenge)
	return nil
}

// WebhookHandler ingests a Meta callback. It always acknowledges with 200
// once the body is read, since Meta retries aggressively on non-2xx and the
// ingester itself is the place that records per-callback failure detail.
func (a *App) WebhookHandler(r *fastglue.Request) error {
	body := r.RequestCtx.PostBody()
	if err := a.Ingester.Ingest(r.RequestCtx, body); err != nil {
		a.Log.Error("webhook ingest reported errors", "error", err)
	}
	return r.SendEnvelope(map[string]string{"status": "ok"})
}
