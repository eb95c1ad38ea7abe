package webdav

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/sharedav/internal/auth"
	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/storage"
)

// Config wires the WebDAV handler.
type Config struct {
	Metadata      Metadata
	Backend       storage.Backend
	Shares        ShareLookup
	Access        AccessResolver
	Groups        GroupSource
	Auth          *auth.Auth
	Prefix        string
	MaxUploadSize int64
}

// NewHandler creates a WebDAV HTTP handler with authentication and the
// share annotation plugins.
func NewHandler(cfg Config) http.Handler {
	plugins := []Plugin{
		NewSharesPlugin(cfg.Metadata, cfg.Shares, cfg.Access),
		NewNodePropsPlugin(cfg.Access),
	}

	davHandler := &webdav.Handler{
		FileSystem: NewFileSystem(cfg.Metadata, cfg.Backend, cfg.Access, plugins, cfg.MaxUploadSize),
		LockSystem: webdav.NewMemLS(),
		Prefix:     cfg.Prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request error",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
			}
		},
	}

	intercepted := PropFindInterceptor(plugins, cfg.Prefix)(davHandler)
	return BasicAuthMiddleware(cfg.Auth, cfg.Groups)(intercepted)
}
