package logfile

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

// Sink is a log-kind component that writes routed <log/> packets to a
// rotating file, or to stderr.
type Sink struct {
	w io.Writer
	c io.Closer
}

// NewFile attaches a rotating file sink to the instance.
//
// Config shape: <file maxsize="100" backups="3">/var/log/volery.log</file>
// maxsize is in megabytes.
func NewFile(inst *router.Instance, cfg *xmlx.Element) (*Sink, error) {
	path := strings.TrimSpace(cfg.Text)
	if path == "" {
		return nil, fmt.Errorf("instance %s: <file/> needs a path", inst.ID)
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 3,
	}
	if n, err := strconv.Atoi(cfg.Attr("maxsize")); err == nil && n > 0 {
		lj.MaxSize = n
	}
	if n, err := strconv.Atoi(cfg.Attr("backups")); err == nil && n >= 0 {
		lj.MaxBackups = n
	}

	s := &Sink{w: lj, c: lj}
	inst.RegisterHandler(router.OrderDeliver, s.handle)
	return s, nil
}

// NewStderr attaches a stderr sink to the instance.
func NewStderr(inst *router.Instance) *Sink {
	s := &Sink{w: os.Stderr}
	inst.RegisterHandler(router.OrderDeliver, s.handle)
	return s
}

// handle writes one routed log packet as a line of
// "timestamp [type] (from): message".
func (s *Sink) handle(_ *router.Instance, p *router.Packet) router.Result {
	if p.Kind != router.KindLog {
		return router.ResultPass
	}
	fmt.Fprintf(s.w, "%s [%s] (%s): %s\n",
		time.Now().Format("20060102T15:04:05"),
		p.X.Attr("type"), p.X.Attr("from"), p.X.Text)
	return router.ResultDone
}

// Close releases the underlying file.
func (s *Sink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
