package detector

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzReadPIDFile ensures pidfile parsing never panics on arbitrary content.
func FuzzReadPIDFile(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n"))
	f.Add([]byte("42\n{\"name\":\"x\",\"start_unix\":1}\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		pf := filepath.Join(t.TempDir(), "pid.pid")
		_ = os.WriteFile(pf, data, 0o644)
		_, _ = ReadPIDFile(pf)
		_, _ = PIDFileDetector{PIDFile: pf}.Alive()
	})
}
