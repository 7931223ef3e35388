package router

import (
	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/xmlx"
)

// internalHost is the from-address used for log records with no origin.
const internalHost = "-internal"

func (r *Router) logger(logType, host, message string) {
	x := xmlx.New("log")
	x.SetAttr("type", logType)
	if host != "" {
		x.SetAttr("from", host)
	} else {
		x.SetAttr("from", internalHost)
	}
	x.AddText(message)

	log.ZoneDebug("log", x.String())
	r.Deliver(NewPacket(x), nil)
}

// LogNotice routes a notice-level log record.
func (r *Router) LogNotice(host, message string) {
	r.logger("notice", host, message)
}

// LogWarn routes a warn-level log record.
func (r *Router) LogWarn(host, message string) {
	r.logger("warn", host, message)
}

// LogAlert routes an alert-level log record.
func (r *Router) LogAlert(host, message string) {
	r.logger("alert", host, message)
}

// LogRecord routes a record-type log entry of the form "type action rest".
func (r *Router) LogRecord(id, recordType, action, message string) {
	x := xmlx.New("log")
	x.SetAttr("type", "record")
	if id != "" {
		x.SetAttr("from", id)
	} else {
		x.SetAttr("from", internalHost)
	}
	if recordType == "" {
		recordType = "unknown"
	}
	if action == "" {
		action = "unknown"
	}
	x.AddText(recordType + " " + action + " " + message)

	log.ZoneDebug("log", x.String())
	r.Deliver(NewPacket(x), nil)
}
