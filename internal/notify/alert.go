package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

// Permission is the user's decision about system alerts.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

// Alerter surfaces notifications outside the application, e.g. as desktop
// alerts.
type Alerter interface {
	Permission() Permission
	RequestPermission() Permission
	Alert(r Record) error
}

// permissionRequest guards the one permission prompt allowed per process.
var permissionRequest sync.Once

func (c *Center) alert(r Record) {
	a := c.opts.Alerter
	if a == nil || !r.Kind.Counted() {
		return
	}

	if a.Permission() == PermissionDefault {
		permissionRequest.Do(func() {
			p := a.RequestPermission()
			c.log.Debug().Int("permission", int(p)).Msg("alert permission requested")
		})
	}
	if a.Permission() != PermissionGranted {
		return
	}
	if err := a.Alert(r); err != nil {
		c.log.Warn().Err(err).Str("id", r.ID).Msg("alert failed")
	}
}

// LogAlerter writes alerts to a logger. It is always granted.
type LogAlerter struct {
	Logger *zerolog.Logger
}

func (LogAlerter) Permission() Permission        { return PermissionGranted }
func (LogAlerter) RequestPermission() Permission { return PermissionGranted }

func (a LogAlerter) Alert(r Record) error {
	if a.Logger == nil {
		return nil
	}
	a.Logger.Info().Str("kind", string(r.Kind)).Str("title", r.Title).Msg(r.Body)
	return nil
}
