package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type RunFlags struct {
	ConfigPath string
	LogLevel   string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// APIFlags locate the daemon for the control commands.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
	CACert   string
}

type TargetFlags struct {
	Name string
	Wait time.Duration // stop only
}

type StatusFlags struct {
	Name string
	JSON bool
}
