//
// Copyright 2024 The pipsandbox Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/buildxl-oss/pipsandbox/manifest"
	"github.com/buildxl-oss/pipsandbox/pathtree"
)

// Deserialize reads a FAM written by Serialize. interner is the Interner
// the decoded manifest tree's paths are resolved against (see
// manifest.DeserializeWire).
func Deserialize(r io.Reader, interner *pathtree.Interner) (FAM, error) {
	var fam FAM

	marker, err := readRaw(r)
	if err != nil {
		return fam, fmt.Errorf("wire: debug marker: %w", err)
	}
	switch marker {
	case debugMarker:
		fam.Debug = true
	case releaseMarker:
		fam.Debug = false
	default:
		return fam, fmt.Errorf("wire: unrecognized debug marker %#x", marker)
	}

	br := &blockReader{r: r, debug: fam.Debug}

	if err := br.readBlock(func(b *blockBody) error {
		fam.InjectionTimeoutMinutes = b.u32()
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: injection timeout: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		n := b.u32()
		fam.BreakawayRules = make([]BreakawayRule, n)
		for i := range fam.BreakawayRules {
			fam.BreakawayRules[i] = BreakawayRule{
				ProcessName:                  b.str(),
				RequiredCommandLineSubstring: b.str(),
				IgnoreCase:                   b.boolean(),
			}
		}
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: breakaway rules: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		n := b.u32()
		fam.DirectoryTranslations = make([]DirectoryTranslation, n)
		for i := range fam.DirectoryTranslations {
			fam.DirectoryTranslations[i] = DirectoryTranslation{Source: b.str(), Target: b.str()}
		}
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: directory translations: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		fam.ErrorDumpLocation = b.str()
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: error dump location: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		fam.Flags = Flags(b.u32())
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: flags: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		fam.ExtraFlags = ExtraFlags(b.u32())
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: extra flags: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		fam.PipID = b.u64()
		if fam.Debug {
			b.u32()
		}
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: pip identifier: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		sizeAndKind := b.u32()
		kind := sizeAndKind & 1
		size := sizeAndKind >> 1
		switch kind {
		case reportKindPath:
			fam.ReportPath = utf16Decode(b.bytes(int(size)))
		case reportKindRawHandle:
			b.bytes(int(size))
		default:
			return fmt.Errorf("wire: unrecognized report-block kind %d", kind)
		}
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: report block: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		totalSize := b.u32()
		count := b.u32()
		offsets := make([]uint32, count)
		for i := range offsets {
			offsets[i] = b.u32()
		}
		header := uint32(4 + 4*count)
		if totalSize < header {
			return fmt.Errorf("wire: dll block: total size %d smaller than header %d", totalSize, header)
		}
		rest := b.bytes(int(totalSize - header))
		fam.InjectedDLLs = make([]string, count)
		for i := range offsets {
			start := offsets[i]
			end := uint32(len(rest))
			if i+1 < len(offsets) {
				end = offsets[i+1]
			}
			if start > uint32(len(rest)) || end > uint32(len(rest)) || start > end {
				return fmt.Errorf("wire: dll block: offset %d out of range", i)
			}
			fam.InjectedDLLs[i] = string(rest[start:end])
		}
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: dll block: %w", err)
	}

	if err := br.readBlock(func(b *blockBody) error {
		fam.Shim.ShimAllProcesses = b.boolean()
		fam.Shim.ShimPath = b.str()
		fam.Shim.Plugin32Path = b.str()
		fam.Shim.Plugin64Path = b.str()
		n := b.u32()
		fam.Shim.Rules = make([]ShimRule, n)
		for i := range fam.Shim.Rules {
			fam.Shim.Rules[i] = ShimRule{ProcessName: b.str(), ArgMatch: b.str()}
		}
		return b.err
	}); err != nil {
		return fam, fmt.Errorf("wire: shim block: %w", err)
	}

	tree, err := manifest.DeserializeWire(r, interner, manifest.WireOptions{Debug: fam.Debug})
	if err != nil {
		return fam, fmt.Errorf("wire: manifest tree: %w", err)
	}
	fam.Tree = tree

	return fam, nil
}

func readRaw(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// blockReader mirrors blockWriter: it consumes the optional magic-cookie
// prefix ahead of each block, then hands the block's own bytes to the
// caller through a blockBody cursor.
type blockReader struct {
	r     io.Reader
	debug bool
}

func (br *blockReader) readBlock(consume func(*blockBody) error) error {
	if br.debug {
		cookie, err := readRaw(br.r)
		if err != nil {
			return err
		}
		if cookie != magicCookie {
			return fmt.Errorf("wire: expected magic cookie %#x, got %#x", magicCookie, cookie)
		}
	}
	return consume(&blockBody{r: br.r})
}

// blockBody reads fixed-format fields directly off the underlying stream.
// Every block here is self-delimiting (a leading count or length tells the
// reader exactly how many further bytes belong to it), so there is no
// need to pre-buffer a block's bytes before parsing it — unlike the
// manifest-tree block, whose offsets are relative to its own start and so
// must be sliced out of a materialized blob first.
type blockBody struct {
	r   io.Reader
	err error
}

func (b *blockBody) u32() uint32 {
	if b.err != nil {
		return 0
	}
	var v uint32
	b.err = binary.Read(b.r, binary.LittleEndian, &v)
	return v
}

func (b *blockBody) u64() uint64 {
	if b.err != nil {
		return 0
	}
	var v uint64
	b.err = binary.Read(b.r, binary.LittleEndian, &v)
	return v
}

func (b *blockBody) boolean() bool {
	return b.u32() != 0
}

func (b *blockBody) bytes(n int) []byte {
	if b.err != nil || n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, b.err = io.ReadFull(b.r, buf)
	return buf
}

func (b *blockBody) str() string {
	n := b.u32()
	return utf16Decode(b.bytes(int(n) * 2))
}
