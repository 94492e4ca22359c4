package main

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// accessRecorder persists one AccessLogEntry per gateway request without
// ever blocking the response path: Record drops entries if the buffer is
// full rather than wait.
type accessRecorder struct {
	db     *gorm.DB
	logger zerolog.Logger
	ch     chan AccessLogEntry
	done   chan struct{}
}

func newAccessRecorder(db *gorm.DB, logger zerolog.Logger) *accessRecorder {
	r := &accessRecorder{
		db:     db,
		logger: logger.With().Str("component", "access_log").Logger(),
		ch:     make(chan AccessLogEntry, 256),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *accessRecorder) Record(entry AccessLogEntry) {
	entry.CreatedAt = time.Now().UTC()
	select {
	case r.ch <- entry:
	default:
		r.logger.Warn().Str("endpoint", entry.Endpoint).Msg("Access log buffer full, dropping entry")
	}
}

func (r *accessRecorder) run() {
	defer close(r.done)
	for entry := range r.ch {
		if err := r.db.Create(&entry).Error; err != nil {
			r.logger.Error().Err(err).Msg("Failed to persist access log entry")
		}
	}
}

// Close drains buffered entries and stops the writer.
func (r *accessRecorder) Close() {
	close(r.ch)
	<-r.done
}

// accessLogMiddleware records the outcome of every request after the
// handler chain completes.
func accessLogMiddleware(rec *accessRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		deviceID := ""
		if v, ok := c.Get(requestDeviceContextKey); ok {
			deviceID, _ = v.(string)
		}
		rec.Record(AccessLogEntry{
			Endpoint:  c.FullPath(),
			Method:    c.Request.Method,
			Outcome:   c.Writer.Status(),
			DeviceID:  deviceID,
			RequestID: requestID(c),
		})
	}
}
