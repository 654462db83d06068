package main

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
	LogLevel   string // overrides log.level
	NoColor    bool
}

type BuildFlags struct {
	Reset    string
	ResetAll bool
}

type StopFlags struct {
	Names []string
}

type StatusFlags struct {
	JSON bool
}

type UninstallFlags struct {
	Yes bool
}

type DebugRunFlags struct {
	Name string
}

type CheckFlags struct {
	JSON bool
}
