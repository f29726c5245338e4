// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jsonutil provides utilities for implementing the interfaces
// consumed by the "git.lukeshu.com/go/lowmemjson" package.
package jsonutil

import (
	"io"

	"git.lukeshu.com/go/lowmemjson"
)

func EncodeHexString[T ~[]byte | ~string](w io.Writer, str T) error {
	const hextable = "0123456789abcdef"
	var buf [2]byte
	buf[0] = '"'
	if _, err := w.Write(buf[:1]); err != nil {
		return err
	}
	for i := 0; i < len(str); i++ {
		buf[0] = hextable[str[i]>>4]
		buf[1] = hextable[str[i]&0x0f]
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	buf[0] = '"'
	if _, err := w.Write(buf[:1]); err != nil {
		return err
	}
	return nil
}

func DecodeHexString(r io.RuneScanner, dst io.ByteWriter) error {
	dec := &hexDecoder{dst: dst}
	if err := lowmemjson.DecodeString(r, dec); err != nil {
		return err
	}
	return dec.Close()
}

// EncodeSplitHexString is EncodeHexString, but breaks the hex digits
// into escaped newlines every width characters so that a dump of a
// large binary blob stays readable instead of becoming a single long
// line.
func EncodeSplitHexString[T ~[]byte | ~string](w io.Writer, str T, width int) error {
	if width <= 0 {
		return EncodeHexString(w, str)
	}
	const hextable = "0123456789abcdef"
	if _, err := w.Write([]byte{'"'}); err != nil {
		return err
	}
	col := 0
	var buf [2]byte
	for i := 0; i < len(str); i++ {
		if col == width {
			if _, err := w.Write([]byte(`\n`)); err != nil {
				return err
			}
			col = 0
		}
		buf[0] = hextable[str[i]>>4]
		buf[1] = hextable[str[i]&0x0f]
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
		col += 2
	}
	_, err := w.Write([]byte{'"'})
	return err
}

// DecodeSplitHexString is DecodeHexString, but tolerates (and
// discards) the embedded newlines that EncodeSplitHexString inserts.
func DecodeSplitHexString(r io.RuneScanner, dst io.ByteWriter) error {
	dec := &hexDecoder{dst: dst}
	wrapped := runeFilter{r: r, skip: func(c rune) bool { return c == '\n' || c == '\r' }}
	if err := lowmemjson.DecodeString(&wrapped, dec); err != nil {
		return err
	}
	return dec.Close()
}

type runeFilter struct {
	r    io.RuneScanner
	skip func(rune) bool
}

func (f *runeFilter) ReadRune() (rune, int, error) {
	for {
		c, n, err := f.r.ReadRune()
		if err != nil || !f.skip(c) {
			return c, n, err
		}
	}
}

func (f *runeFilter) UnreadRune() error { return f.r.UnreadRune() }
