package archon

// FrameWriter persists a fetched frame, e.g. to a FITS file. The driver
// never implements one itself (writing the scientific file format is
// out of scope here), but Fetch accepts one as an optional collaborator
// so a caller can plug in its own without the driver needing to know
// the file format. header and targetPath carry whatever FITS-header
// key/value pairs and destination path the caller attached via
// WithFrameHeader/WithTargetPath; the driver never interprets them.
type FrameWriter interface {
	WriteFrame(ccdName string, fb *FrameBuffer, header map[string]string, targetPath string) error
}

// RecoveryStore records a completed exposure's disposition so an
// external recovery process can reconcile its own bookkeeping after a
// fetch. Like FrameWriter, no implementation lives here.
type RecoveryStore interface {
	Record(ccdName string, header map[string]string, targetPath string) error
}

// FetchOption configures an optional Fetch collaborator.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	writer     FrameWriter
	recovery   RecoveryStore
	header     map[string]string
	targetPath string
}

// WithFrameWriter persists the fetched buffer through w after a
// successful read.
func WithFrameWriter(w FrameWriter) FetchOption {
	return func(o *fetchOptions) { o.writer = w }
}

// WithRecoveryStore records exposure disposition through r after a
// successful read.
func WithRecoveryStore(r RecoveryStore) FetchOption {
	return func(o *fetchOptions) { o.recovery = r }
}

// WithFrameHeader attaches header key/value pairs passed to FrameWriter
// and RecoveryStore, e.g. FITS header cards the caller wants recorded
// alongside the buffer.
func WithFrameHeader(header map[string]string) FetchOption {
	return func(o *fetchOptions) { o.header = header }
}

// WithTargetPath attaches the destination path passed to FrameWriter and
// RecoveryStore, e.g. where the caller intends to write the FITS file.
func WithTargetPath(path string) FetchOption {
	return func(o *fetchOptions) { o.targetPath = path }
}
