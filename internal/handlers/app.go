package handlers

import (
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/wabroker/msgcore/internal/automation"
	"github.com/wabroker/msgcore/internal/campaign"
	"github.com/wabroker/msgcore/internal/config"
	"github.com/wabroker/msgcore/internal/router"
	"github.com/wabroker/msgcore/internal/webhookingest"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// App holds every dependency the HTTP surface needs.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	Log        logf.Logger
	WhatsApp   *whatsapp.Client
	Campaigns  *campaign.Service
	Router     *router.Router
	Automation *automation.Engine
	Ingester   *webhookingest.Ingester
	HTTPClient *http.Client
}

// HealthCheck reports liveness unconditionally; readiness (DB/Redis) is
// ReadyCheck's job.
func (a *App) HealthCheck(r *fastglue.Request) error {
	return r.SendEnvelope(map[string]string{"status": "ok", "service": "msgcore"})
}

// ReadyCheck verifies the database and Redis are both reachable.
func (a *App) ReadyCheck(r *fastglue.Request) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return r.SendErrorEnvelope(500, "database connection error", nil, "")
	}
	if err := sqlDB.Ping(); err != nil {
		return r.SendErrorEnvelope(500, "database ping failed", nil, "")
	}
	if err := a.Redis.Ping(r.RequestCtx).Err(); err != nil {
		return r.SendErrorEnvelope(500, "redis connection error", nil, "")
	}
	return r.SendEnvelope(map[string]string{"status": "ready"})
}
