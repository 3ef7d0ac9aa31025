package obispi

import (
	"context"
	"log/slog"
)

const (
	// levelTrace logs every word moved. Very verbose.
	levelTrace slog.Level = slog.LevelDebug - 1
)

func (d *Device) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Device) trace(msg string, attrs ...slog.Attr) {
	d.logattrs(levelTrace, msg, attrs...)
}

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func strAttr(key, value string) slog.Attr { return slog.String(key, value) }

func hexAttr(key string, v uint32) slog.Attr {
	return slog.String(key, hex32(v))
}

func hex32(u uint32) string {
	const hextable = "0123456789abcdef"
	var buf [10]byte
	buf[0], buf[1] = '0', 'x'
	for i := 0; i < 8; i++ {
		buf[9-i] = hextable[u&0xf]
		u >>= 4
	}
	return string(buf[:])
}
