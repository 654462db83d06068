//go:build unix

// Package detector answers whether a server recorded in a pidfile is still
// the process that wrote it.
package detector

// Detector reports liveness of one recorded server. Safe for concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}

var (
	_ Detector = PIDFileDetector{}
	_ Detector = PIDDetector{}
)
