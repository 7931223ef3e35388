package server

import (
	"fmt"
	"os"

	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xdbbolt"
)

// newSpool opens the xdb storage for an instance under the configured
// directory, creating it if needed.
func newSpool(s *Server, inst *router.Instance, dir string) (*xdbbolt.Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("instance %s: <spool/> needs a directory", inst.ID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
	}
	return xdbbolt.New(s.Router, inst, dir)
}
