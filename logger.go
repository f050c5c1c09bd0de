// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import "log"

// Logger is the leveled sink the server logs through. Per-connection
// failures caused by peer behavior log at Warnf; library anomalies at
// Errorf.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger writes to the standard library logger with a level prefix.
type stdLogger struct{}

func (stdLogger) Debugf(format string, args ...any) { log.Printf("DEBUG "+format, args...) }
func (stdLogger) Infof(format string, args ...any)  { log.Printf("INFO "+format, args...) }
func (stdLogger) Warnf(format string, args ...any)  { log.Printf("WARN "+format, args...) }
func (stdLogger) Errorf(format string, args ...any) { log.Printf("ERROR "+format, args...) }
