package allocator

import (
	"log/slog"

	"github.com/hupe1980/cprkv/internal/resource"
)

// PageErrorHandler is notified of every failed page write or read. op is
// "checkpoint" or "recovery".
type PageErrorHandler func(op string, page int, err error)

type options struct {
	pageBits     int
	nullSentinel bool
	logger       *slog.Logger
	onPageError  PageErrorHandler
	rc           *resource.Controller
}

// Option configures a PageDirectory.
type Option func(*options)

// WithPageBits sets log2 of the records per page. Values below MinPageBits
// are raised to it.
func WithPageBits(bits int) Option {
	return func(o *options) {
		o.pageBits = max(bits, MinPageBits)
	}
}

// WithNullSentinel reserves the first AllocateChunkSize addresses at
// construction so that address 0 never refers to a live record.
func WithNullSentinel() Option {
	return func(o *options) {
		o.nullSentinel = true
	}
}

// WithLogger sets the logger for page I/O failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPageErrorHandler installs a hook for page I/O failures.
func WithPageErrorHandler(h PageErrorHandler) Option {
	return func(o *options) {
		o.onPageError = h
	}
}

// WithResourceController accounts mapped page memory against rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.rc = rc
	}
}
