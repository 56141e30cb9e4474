package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EndpointChanged is set when the default session endpoint changed. The
	// new endpoint is used by the next session start.
	EndpointChanged bool
	NewEndpoint     string

	// RestartRequired lists the sections whose changes only take effect
	// after a process restart.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EndpointChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.Endpoint != new.Session.Endpoint {
		d.EndpointChanged = true
		d.NewEndpoint = new.Session.Endpoint
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	oldSession, newSession := old.Session, new.Session
	oldSession.Endpoint, newSession.Endpoint = "", ""
	oldSession.AutoStart, newSession.AutoStart = false, false
	if !reflect.DeepEqual(oldSession, newSession) {
		d.RestartRequired = append(d.RestartRequired, "session")
	}

	if !reflect.DeepEqual(old.Capture, new.Capture) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}

	return d
}
