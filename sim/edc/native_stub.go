//go:build !cgo || !(linux || darwin || freebsd)

package edc

// NativeSupported reports whether this build can load native components.
func NativeSupported() bool { return false }

// IsolationSupported reports whether the Isolated load method is available.
func IsolationSupported() bool { return false }

func openNative(string, LoadMethod) (Library, error) {
	return nil, ErrNativeUnsupported
}
