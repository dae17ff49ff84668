// Copyright 2018 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package color

import (
	"fmt"
	"os"
)

// ColorCode is an ANSI escape code for a foreground color.
type ColorCode int

const (
	BlackFg   ColorCode = 30
	RedFg     ColorCode = 31
	GreenFg   ColorCode = 32
	YellowFg  ColorCode = 33
	BlueFg    ColorCode = 34
	MagentaFg ColorCode = 35
	CyanFg    ColorCode = 36
	WhiteFg   ColorCode = 37
	DefaultFg ColorCode = 39
)

const (
	escape = "\033["
	clear  = escape + "0m"
)

// EnableColor says whether colored output is in effect.
type EnableColor int

const (
	ColorNever EnableColor = iota
	ColorAuto
	ColorAlways
)

// String implements flag.Value.
func (ec *EnableColor) String() string {
	switch *ec {
	case ColorNever:
		return "never"
	case ColorAuto:
		return "auto"
	case ColorAlways:
		return "always"
	}
	return ""
}

// Set implements flag.Value.
func (ec *EnableColor) Set(s string) error {
	switch s {
	case "never":
		*ec = ColorNever
	case "auto":
		*ec = ColorAuto
	case "always":
		*ec = ColorAlways
	default:
		return fmt.Errorf("%s is not a valid color value", s)
	}
	return nil
}

// Colorfn formats according to a format specifier in a particular color and
// returns the resulting string.
type Colorfn func(format string, a ...interface{}) string

// Color provides functions for formatting strings in the standard ANSI
// foreground colors.
type Color interface {
	Black(format string, a ...interface{}) string
	Red(format string, a ...interface{}) string
	Green(format string, a ...interface{}) string
	Yellow(format string, a ...interface{}) string
	Blue(format string, a ...interface{}) string
	Magenta(format string, a ...interface{}) string
	Cyan(format string, a ...interface{}) string
	White(format string, a ...interface{}) string
	DefaultColor(format string, a ...interface{}) string
	WithColor(code ColorCode, format string, a ...interface{}) string
	Enabled() bool
}

type color struct {
	enabled bool
}

// NewColor returns a Color that emits escape codes per the given
// EnableColor policy. ColorAuto enables color only when stdout is a
// terminal.
func NewColor(ec EnableColor) Color {
	enabled := false
	switch ec {
	case ColorAlways:
		enabled = true
	case ColorAuto:
		enabled = isTerminal(os.Stdout)
	}
	return &color{enabled: enabled}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func (c *color) Enabled() bool {
	return c.enabled
}

func (c *color) WithColor(code ColorCode, format string, a ...interface{}) string {
	s := fmt.Sprintf(format, a...)
	if !c.enabled || code == DefaultFg {
		return s
	}
	return fmt.Sprintf("%v%vm%v%v", escape, code, s, clear)
}

func (c *color) Black(format string, a ...interface{}) string {
	return c.WithColor(BlackFg, format, a...)
}

func (c *color) Red(format string, a ...interface{}) string {
	return c.WithColor(RedFg, format, a...)
}

func (c *color) Green(format string, a ...interface{}) string {
	return c.WithColor(GreenFg, format, a...)
}

func (c *color) Yellow(format string, a ...interface{}) string {
	return c.WithColor(YellowFg, format, a...)
}

func (c *color) Blue(format string, a ...interface{}) string {
	return c.WithColor(BlueFg, format, a...)
}

func (c *color) Magenta(format string, a ...interface{}) string {
	return c.WithColor(MagentaFg, format, a...)
}

func (c *color) Cyan(format string, a ...interface{}) string {
	return c.WithColor(CyanFg, format, a...)
}

func (c *color) White(format string, a ...interface{}) string {
	return c.WithColor(WhiteFg, format, a...)
}

func (c *color) DefaultColor(format string, a ...interface{}) string {
	return c.WithColor(DefaultFg, format, a...)
}
