package app

import (
	"context"

	"github.com/loykin/forgevisor/internal/envcheck"
)

// EnvCheck verifies tools, host capacity, source, artifacts and database
// reachability.
func (a *App) EnvCheck(ctx context.Context) envcheck.Report {
	rep := envcheck.New(a.cfg).Run(ctx)
	for _, c := range rep.Checks {
		switch c.Status {
		case envcheck.Fail:
			a.status.Error("check failed", "check", c.Name, "detail", c.Detail, "suggestion", c.Suggestion)
		case envcheck.Warn:
			a.status.Warn("check warning", "check", c.Name, "detail", c.Detail)
		default:
			a.status.Debug("check passed", "check", c.Name, "detail", c.Detail)
		}
	}
	return rep
}
