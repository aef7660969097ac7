//go:build linux

package procinfo

// NewInspector returns the inspector for the current platform.
func NewInspector() IInspector {
	return NewProcLocksInspector(DefaultProcLocksPath)
}
