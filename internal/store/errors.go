package store

import "github.com/debugserver/server/internal/apierr"

// errNotFoundEntity is wrapped into every "no such row" error so callers can
// use errors.Is(err, apierr.ErrNotFound) regardless of which entity was
// being looked up.
var errNotFoundEntity = apierr.ErrNotFound
