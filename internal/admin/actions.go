package admin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAction marks an action name the server should 400 on.
var ErrUnknownAction = errors.New("unknown action")

// ActionParams carries the optional parameters of one admin action.
type ActionParams struct {
	Feed    string `json:"feed,omitempty"`
	DaysOld int    `json:"daysOld,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// ActionResult is the response body of POST /admin/actions.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result  any    `json:"result,omitempty"`
}

// MaintenanceRunner lets actions trigger out-of-cycle maintenance work.
type MaintenanceRunner interface {
	TriggerRollup(ctx context.Context) error
	TriggerCleanup(ctx context.Context) (any, error)
}

// Action dispatches one admin action. Unknown names return
// ErrUnknownAction; everything else surfaces the operation's own error.
func (a *Admin) Action(ctx context.Context, maint MaintenanceRunner, name string, params ActionParams) (ActionResult, error) {
	a.log.Info().Str("action", name).Msg("admin action")
	switch name {
	case "reconnect_feed":
		for _, f := range a.feeds {
			if f.Name() == params.Feed {
				f.ForceReconnect()
				return ActionResult{Success: true, Message: fmt.Sprintf("feed %s reconnecting", params.Feed)}, nil
			}
		}
		return ActionResult{}, fmt.Errorf("no feed named %q", params.Feed)

	case "clear_old_events":
		days := params.DaysOld
		if days <= 0 {
			days = 30
		}
		cutoff := a.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
		deleted, err := a.store.DeleteEventsBefore(ctx, cutoff)
		if err != nil {
			return ActionResult{}, err
		}
		// The poller must repopulate whatever the prune removed.
		a.ingestor.RearmSync()
		return ActionResult{
			Success: true,
			Message: fmt.Sprintf("deleted events older than %d days", days),
			Result:  map[string]int64{"deleted": deleted},
		}, nil

	case "reset_ratelimit":
		if params.IP == "" {
			return ActionResult{}, errors.New("ip parameter required")
		}
		deleted, err := a.limiter.Reset(ctx, params.IP, "")
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{
			Success: true,
			Message: fmt.Sprintf("rate limits reset for %s", params.IP),
			Result:  map[string]int64{"deleted": deleted},
		}, nil

	case "trigger_rollup":
		if err := maint.TriggerRollup(ctx); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Success: true, Message: "rollup complete"}, nil

	case "cleanup_now":
		result, err := maint.TriggerCleanup(ctx)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Success: true, Message: "cleanup complete", Result: result}, nil

	default:
		return ActionResult{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
}
