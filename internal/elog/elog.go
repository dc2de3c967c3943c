// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package elog provides leveled logging for the evaluation engine and the
// daemon wrapped around it. Time/Date are not logged by default because
// systemd adds them for us (can be changed with SetLogDateTime(true)).
//
// Uses these prefixes: https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package elog

import (
	"fmt"
	"io"
	"log"
	"os"
)

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]    "
	InfoPrefix  string = "<6>[INFO]     "
	WarnPrefix  string = "<4>[WARNING]  "
	ErrPrefix   string = "<3>[ERROR]    "
)

var (
	debugLog *log.Logger = log.New(DebugWriter, DebugPrefix, 0)
	infoLog  *log.Logger = log.New(InfoWriter, InfoPrefix, 0)
	warnLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	errLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.Llongfile)

	debugTimeLog *log.Logger = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	infoTimeLog  *log.Logger = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	warnTimeLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	errTimeLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
)

// SetLogLevel silences writers below lvl, in order debug < info < warn < err.
func SetLogLevel(lvl string) {
	switch lvl {
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
		// Nothing to discard.
	default:
		fmt.Printf("elog: flag 'loglevel' has invalid value %#v, using 'debug'\n", lvl)
		SetLogLevel("debug")
	}
}

func SetLogDateTime(logdate bool) {
	logDateTime = logdate
}

func Debug(v ...any) {
	if DebugWriter != io.Discard {
		out(debugLog, debugTimeLog, fmt.Sprint(v...))
	}
}

func Info(v ...any) {
	if InfoWriter != io.Discard {
		out(infoLog, infoTimeLog, fmt.Sprint(v...))
	}
}

func Warn(v ...any) {
	if WarnWriter != io.Discard {
		out(warnLog, warnTimeLog, fmt.Sprint(v...))
	}
}

func Error(v ...any) {
	if ErrWriter != io.Discard {
		out(errLog, errTimeLog, fmt.Sprint(v...))
	}
}

func Fatal(v ...any) {
	Error(v...)
	os.Exit(1)
}

func Debugf(format string, v ...any) {
	if DebugWriter != io.Discard {
		out(debugLog, debugTimeLog, fmt.Sprintf(format, v...))
	}
}

func Infof(format string, v ...any) {
	if InfoWriter != io.Discard {
		out(infoLog, infoTimeLog, fmt.Sprintf(format, v...))
	}
}

func Warnf(format string, v ...any) {
	if WarnWriter != io.Discard {
		out(warnLog, warnTimeLog, fmt.Sprintf(format, v...))
	}
}

func Errorf(format string, v ...any) {
	if ErrWriter != io.Discard {
		out(errLog, errTimeLog, fmt.Sprintf(format, v...))
	}
}

func Fatalf(format string, v ...any) {
	Errorf(format, v...)
	os.Exit(1)
}

func out(plain, withTime *log.Logger, s string) {
	if logDateTime {
		withTime.Output(3, s)
	} else {
		plain.Output(3, s)
	}
}
