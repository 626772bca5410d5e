package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// APIFlags select the daemon a remote command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	StoreDSN   string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type AddFlags struct {
	FileName   string
	Args       string
	WorkDir    string
	Manual     bool
	AutoScroll bool
}

type SetFlags struct {
	Ref string

	FileName   string
	Args       string
	WorkDir    string
	Manual     bool
	AutoScroll bool

	// names of the flags given on the command line
	changed map[string]bool
}

type ListFlags struct {
	JSON bool
}

type StopFlags struct {
	Ref   string
	Force bool
}

type LogsFlags struct {
	Ref      string
	From     int
	Follow   bool
	Interval time.Duration
	JSON     bool
}

type WriteFlags struct {
	Ref      string
	Severity string
	Text     string
}

type ExportFlags struct {
	Ref    string
	Output string
}

type SearchFlags struct {
	Ref           string
	Pattern       string
	Regex         bool
	CaseSensitive bool
	From          int
	Backward      bool
}

type BuildFlags struct {
	Ref string
	Run bool
}

type MoveFlags struct {
	Ref   string
	Delta int
	To    int
	// set when --to was given, since 0 is a valid target
	hasTo bool
}

type SelectFlags struct {
	Ref   string
	Index int
	Clear bool
	// false when only the current selection is queried
	hasIndex bool
}
